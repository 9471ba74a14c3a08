package query

import (
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
)

// WalletResponse holds a user's wallet balances: the USDE they borrowed or
// withdrew from the pool, and collateral returned to them.
type WalletResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Balances     Assets    `json:"balances"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// GetWallet returns owner's non-zero wallet balances.
func (qs *QueryService) GetWallet(owner uuid.UUID) *WalletResponse {
	assets := append([]ledger.AssetID{ledger.AssetUSDE}, qs.engine.Params().Collaterals...)
	balances := make(Assets, len(assets))
	for _, a := range assets {
		if v := qs.engine.WalletBalance(owner, a); !v.IsZero() {
			balances[a.String()] = fpmath.ToDecimal(v)
		}
	}
	return &WalletResponse{Owner: owner, Balances: balances, AsOfSequence: qs.sequence()}
}

func toAssets(m state.Amounts) Assets {
	out := make(Assets, len(m))
	for a, v := range m {
		out[a.String()] = fpmath.ToDecimal(v)
	}
	return out
}
