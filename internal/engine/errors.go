package engine

import "errors"

// Sentinel errors returned by engine operations. Callers distinguish them
// with errors.Is; the api layer maps them to HTTP status codes.
//
// Validation errors (ErrInvalidOrder) are rejected before any lock is
// taken. Business-rule errors (ErrContractNotTradable, ErrInsufficientFunds,
// ErrInsufficientPosition, ErrMarketNotResolved) roll the transaction back
// cleanly and are never retried. ErrHighContention is surfaced after the
// retry manager exhausts its attempts on store conflicts; the operation had
// no partial effect and may be retried later.
var (
	ErrInvalidOrder         = errors.New("engine: invalid order parameters")
	ErrContractNotTradable  = errors.New("engine: contract is not open for trading")
	ErrInsufficientFunds    = errors.New("engine: insufficient balance")
	ErrInsufficientPosition = errors.New("engine: insufficient position")
	ErrMarketNotResolved    = errors.New("engine: market is not resolved")
	ErrHighContention       = errors.New("engine: high contention, please try again")
)
