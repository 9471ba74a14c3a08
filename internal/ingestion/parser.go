package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a
// typed event.Event. Amounts on the wire are human decimals ("1.5") and
// become 18-decimal fixed point here, before the core sees them.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypePriceUpdate:
		return parsePriceUpdate(raw.Data)
	case event.EventTypeTroveOpen:
		return parseTroveOpen(raw.Data)
	case event.EventTypeTroveAdjust:
		return parseTroveAdjust(raw.Data)
	case event.EventTypeTroveClose:
		return parseTroveClose(raw.Data)
	case event.EventTypePoolProvide:
		return parsePoolProvide(raw.Data)
	case event.EventTypePoolWithdraw:
		return parsePoolWithdraw(raw.Data)
	case event.EventTypeSurplusClaim:
		return parseSurplusClaim(raw.Data)
	case event.EventTypeLiquidationRequest:
		return parseLiquidationRequest(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type priceUpdateJSON struct {
	Asset            string `json:"asset"`
	Price            string `json:"price"`
	PriceSequence    int64  `json:"price_sequence"`
	PriceTimestampUs int64  `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse asset: empty")
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, fmt.Errorf("parse price: must be > 0")
	}
	return &event.PriceUpdate{
		Asset:          strings.ToUpper(j.Asset),
		Price:          price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}

type troveOpenJSON struct {
	CommandID   string            `json:"command_id"`
	Owner       string            `json:"owner"`
	Collateral  map[string]string `json:"collateral"`
	NetDebt     string            `json:"net_debt"`
	Hint        string            `json:"hint"`
	Sequence    int64             `json:"sequence"`
	TimestampUs int64             `json:"timestamp_us"`
}

func parseTroveOpen(data []byte) (*event.TroveOpen, error) {
	var j troveOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TroveOpen: %w", err)
	}
	commandID, err := parseID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	coll, err := parseCollateral("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	netDebt, err := parseAmount("net_debt", j.NetDebt)
	if err != nil {
		return nil, err
	}
	hint, err := parseOptionalID("hint", j.Hint)
	if err != nil {
		return nil, err
	}
	return &event.TroveOpen{
		CommandID:  commandID,
		Owner:      owner,
		Collateral: coll,
		NetDebt:    netDebt,
		Hint:       hint,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type troveAdjustJSON struct {
	CommandID    string            `json:"command_id"`
	Owner        string            `json:"owner"`
	CollIn       map[string]string `json:"coll_in"`
	CollOut      map[string]string `json:"coll_out"`
	DebtIncrease string            `json:"debt_increase"`
	DebtRepay    string            `json:"debt_repay"`
	Hint         string            `json:"hint"`
	Sequence     int64             `json:"sequence"`
	TimestampUs  int64             `json:"timestamp_us"`
}

func parseTroveAdjust(data []byte) (*event.TroveAdjust, error) {
	var j troveAdjustJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TroveAdjust: %w", err)
	}
	commandID, err := parseID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	collIn, err := parseCollateral("coll_in", j.CollIn)
	if err != nil {
		return nil, err
	}
	collOut, err := parseCollateral("coll_out", j.CollOut)
	if err != nil {
		return nil, err
	}
	increase, err := parseOptionalAmount("debt_increase", j.DebtIncrease)
	if err != nil {
		return nil, err
	}
	repay, err := parseOptionalAmount("debt_repay", j.DebtRepay)
	if err != nil {
		return nil, err
	}
	hint, err := parseOptionalID("hint", j.Hint)
	if err != nil {
		return nil, err
	}
	return &event.TroveAdjust{
		CommandID:    commandID,
		Owner:        owner,
		CollIn:       collIn,
		CollOut:      collOut,
		DebtIncrease: increase,
		DebtRepay:    repay,
		Hint:         hint,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

type ownerCommandJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOwnerCommand(name string, data []byte) (ownerCommandJSON, uuid.UUID, uuid.UUID, error) {
	var j ownerCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, uuid.Nil, uuid.Nil, fmt.Errorf("parse %s: %w", name, err)
	}
	commandID, err := parseID("command_id", j.CommandID)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, err
	}
	return j, commandID, owner, nil
}

func parseTroveClose(data []byte) (*event.TroveClose, error) {
	j, commandID, owner, err := parseOwnerCommand("TroveClose", data)
	if err != nil {
		return nil, err
	}
	return &event.TroveClose{
		CommandID: commandID,
		Owner:     owner,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

func parseSurplusClaim(data []byte) (*event.SurplusClaim, error) {
	j, commandID, owner, err := parseOwnerCommand("SurplusClaim", data)
	if err != nil {
		return nil, err
	}
	return &event.SurplusClaim{
		CommandID: commandID,
		Owner:     owner,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type poolJSON struct {
	CommandID   string `json:"command_id"`
	Depositor   string `json:"depositor"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePool(name string, data []byte, amountRequired bool) (poolJSON, uuid.UUID, uuid.UUID, *uint256.Int, error) {
	var j poolJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, uuid.Nil, uuid.Nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	commandID, err := parseID("command_id", j.CommandID)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, nil, err
	}
	depositor, err := parseID("depositor", j.Depositor)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, nil, err
	}
	var amount *uint256.Int
	if amountRequired {
		amount, err = parseAmount("amount", j.Amount)
	} else {
		amount, err = parseOptionalAmount("amount", j.Amount)
	}
	if err != nil {
		return j, uuid.Nil, uuid.Nil, nil, err
	}
	return j, commandID, depositor, amount, nil
}

func parsePoolProvide(data []byte) (*event.PoolProvide, error) {
	j, commandID, depositor, amount, err := parsePool("PoolProvide", data, true)
	if err != nil {
		return nil, err
	}
	return &event.PoolProvide{
		CommandID: commandID,
		Depositor: depositor,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

func parsePoolWithdraw(data []byte) (*event.PoolWithdraw, error) {
	j, commandID, depositor, amount, err := parsePool("PoolWithdraw", data, false)
	if err != nil {
		return nil, err
	}
	return &event.PoolWithdraw{
		CommandID: commandID,
		Depositor: depositor,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type liquidationRequestJSON struct {
	RequestID   string   `json:"request_id"`
	Liquidator  string   `json:"liquidator"`
	Entry       string   `json:"entry"`
	Owners      []string `json:"owners"`
	MaxCount    int      `json:"max_count"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parseLiquidationRequest(data []byte) (*event.LiquidationRequest, error) {
	var j liquidationRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequest: %w", err)
	}
	requestID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	liquidator, err := parseID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	owners := make([]uuid.UUID, 0, len(j.Owners))
	for i, s := range j.Owners {
		o, err := parseID(fmt.Sprintf("owners[%d]", i), s)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	req := &event.LiquidationRequest{
		RequestID:  requestID,
		Liquidator: liquidator,
		Entry:      event.LiquidationEntry(strings.ToLower(j.Entry)),
		Owners:     owners,
		MaxCount:   j.MaxCount,
		Timestamp:  j.TimestampUs,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequest: %w", err)
	}
	return req, nil
}

// --- field helpers ---

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseOptionalID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return parseID(field, s)
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := fpmath.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseAmount(field, s)
}

func parseCollateral(field string, m map[string]string) (event.Collateral, error) {
	out := make(event.Collateral, len(m))
	for asset, s := range m {
		v, err := parseAmount(field+"."+asset, s)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(asset)] = v
	}
	return out, nil
}
