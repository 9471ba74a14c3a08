package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types: custody pools
	SubTypeActivePool
	SubTypeDefaultPool
	SubTypeStabilityPool
	SubTypeCollSurplusPool
	SubTypeGasPool

	// External sub-types: mint/burn and bridge boundary
	SubTypeExternalSupply
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:          "wallet",
	SubTypeActivePool:      "active_pool",
	SubTypeDefaultPool:     "default_pool",
	SubTypeStabilityPool:   "stability_pool",
	SubTypeCollSurplusPool: "coll_surplus_pool",
	SubTypeGasPool:         "gas_pool",
	SubTypeExternalSupply:  "supply",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetUSDE   AssetID = 1
	AssetWETH   AssetID = 2
	AssetWBTC   AssetID = 3
	AssetWSTETH AssetID = 4
	AssetRETH   AssetID = 5
)

var (
	assetToID = map[string]AssetID{
		"USDE":   AssetUSDE,
		"WETH":   AssetWETH,
		"WBTC":   AssetWBTC,
		"WSTETH": AssetWSTETH,
		"RETH":   AssetRETH,
	}
	idToAsset = map[AssetID]string{
		AssetUSDE:   "USDE",
		AssetWETH:   "WETH",
		AssetWBTC:   "WBTC",
		AssetWSTETH: "WSTETH",
		AssetRETH:   "RETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[strings.ToUpper(asset)]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

func (a AssetID) String() string {
	if name, ok := idToAsset[a]; ok {
		return name
	}
	return fmt.Sprintf("asset(%d)", uint16(a))
}

// SortAssets orders asset ids ascending in place and returns the slice.
func SortAssets(assets []AssetID) []AssetID {
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	return assets
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // owner UUID for user accounts, zero otherwise
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewWalletKey is shorthand for a user's wallet account of one asset.
func NewWalletKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeWallet, assetID)
}

// NewSystemAccountKey creates a key for a system custody pool
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeExternalSupply,
		AssetID: assetID,
	}
}

// IsExternal reports whether the account sits outside the conservation boundary.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName := k.AssetID.String()

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	subType := func(name string) (AccountSubType, error) {
		for st, n := range subTypeNames {
			if n == name {
				return st, nil
			}
		}
		return 0, fmt.Errorf("unknown account sub-type %q in %q", name, path)
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		asset, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("unknown asset %q in %q", parts[3], path)
		}
		return NewUserAccountKey(uid, st, asset), nil

	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		asset, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("unknown asset %q in %q", parts[2], path)
		}
		if parts[0] == "external" {
			return NewExternalAccountKey(asset), nil
		}
		return NewSystemAccountKey(st, asset), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
