package core

import "errors"

// Rejections. The core returns these (wrapped) and leaves state untouched.
var (
	ErrInvalidPrice             = errors.New("core: no valid price")
	ErrDebtBelowMinimum         = errors.New("core: debt below minimum net debt")
	ErrICRBelowMCR              = errors.New("core: ICR below MCR")
	ErrICRBelowCCR              = errors.New("core: ICR below CCR in recovery mode")
	ErrTCRBelowCCR              = errors.New("core: operation would push TCR below CCR")
	ErrNotOwner                 = errors.New("core: caller does not own cdp")
	ErrZeroAdjustment           = errors.New("core: adjustment changes nothing")
	ErrCollWithdrawalInRecovery = errors.New("core: collateral withdrawal not allowed in recovery mode")
	ErrCloseInRecovery          = errors.New("core: close not allowed in recovery mode")
	ErrOnlyOneCdp               = errors.New("core: cannot close the last active cdp")
	ErrNoSurplus                = errors.New("core: no collateral surplus to claim")
	ErrStabilityPoolShortfall   = errors.New("core: stability pool offset fell short")
	ErrInvalidMaxCount          = errors.New("core: max count must be positive")
	ErrUnknownEvent             = errors.New("core: unknown event type")
	ErrNotOperator              = errors.New("core: caller is not the configured operator")
)

// Sequencing errors are returned before dispatch; the event is not logged.
var (
	ErrOutOfOrder      = errors.New("core: out-of-order event")
	ErrSequenceGap     = errors.New("core: sequence gap")
	ErrStalePrice      = errors.New("core: stale price round")
	ErrRestoreNonEmpty = errors.New("core: restore requires a fresh core")
)
