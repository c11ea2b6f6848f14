package ledger

import (
	"fmt"
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
	SubTypeSurplus

	// System sub-types
	SubTypeActivePool
	SubTypeDefaultPool
	SubTypeParked
	SubTypeStabilityPool
	SubTypeFeeRecipient

	// External sub-types
	SubTypeCollateralSource
	SubTypeIssuance
	SubTypeObligations
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:           "wallet",
	SubTypeSurplus:          "surplus",
	SubTypeActivePool:       "active_pool",
	SubTypeDefaultPool:      "default_pool",
	SubTypeParked:           "parked",
	SubTypeStabilityPool:    "stability_pool",
	SubTypeFeeRecipient:     "fee_recipient",
	SubTypeCollateralSource: "collateral_source",
	SubTypeIssuance:         "issuance",
	SubTypeObligations:      "obligations",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetColl AssetID = 1 // collateral shares
	AssetEBTC AssetID = 2 // debt token
	AssetDebt AssetID = 3 // pool debt bookkeeping
)

var (
	assetToID = map[string]AssetID{
		"COLL": AssetColl,
		"EBTC": AssetEBTC,
		"DEBT": AssetDebt,
	}
	idToAsset = map[AssetID]string{
		AssetColl: "COLL",
		AssetEBTC: "EBTC",
		AssetDebt: "DEBT",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // owner id for user accounts, zero otherwise
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

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Well-known accounts.
func WalletColl(owner uuid.UUID) AccountKey { return NewUserAccountKey(owner, SubTypeWallet, AssetColl) }
func WalletEBTC(owner uuid.UUID) AccountKey { return NewUserAccountKey(owner, SubTypeWallet, AssetEBTC) }
func SurplusColl(owner uuid.UUID) AccountKey {
	return NewUserAccountKey(owner, SubTypeSurplus, AssetColl)
}

var (
	ActivePoolColl    = NewSystemAccountKey(SubTypeActivePool, AssetColl)
	ActivePoolDebt    = NewSystemAccountKey(SubTypeActivePool, AssetDebt)
	DefaultPoolColl   = NewSystemAccountKey(SubTypeDefaultPool, AssetColl)
	DefaultPoolDebt   = NewSystemAccountKey(SubTypeDefaultPool, AssetDebt)
	ParkedColl        = NewSystemAccountKey(SubTypeParked, AssetColl)
	ParkedDebt        = NewSystemAccountKey(SubTypeParked, AssetDebt)
	StabilityPoolEBTC = NewSystemAccountKey(SubTypeStabilityPool, AssetEBTC)
	StabilityPoolColl = NewSystemAccountKey(SubTypeStabilityPool, AssetColl)
	FeeRecipientColl  = NewSystemAccountKey(SubTypeFeeRecipient, AssetColl)
	CollateralSource  = NewExternalAccountKey(SubTypeCollateralSource, AssetColl)
	Issuance          = NewExternalAccountKey(SubTypeIssuance, AssetEBTC)
	Obligations       = NewExternalAccountKey(SubTypeObligations, AssetDebt)
)

// IsExternal reports whether the account may carry a negative balance.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

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

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var key AccountKey
	var subType, asset string

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account %q: %w", path, err)
		}
		key.Scope = AccountScopeUser
		key.EntityID = uid
		subType, asset = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		subType, asset = parts[1], parts[2]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		subType, asset = parts[1], parts[2]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	assetID, ok := GetAssetID(asset)
	if !ok {
		return AccountKey{}, fmt.Errorf("account %q: unknown asset %q", path, asset)
	}
	key.AssetID = assetID

	for st, name := range subTypeNames {
		if name == subType {
			key.SubType = st
			return key, nil
		}
	}
	return AccountKey{}, fmt.Errorf("account %q: unknown sub-type %q", path, subType)
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}
