package credential

import "errors"

var (
	ErrNotInitialized           = errors.New("credential: not initialized")
	ErrAlreadyInitialized       = errors.New("credential: already initialized")
	ErrUnauthorized             = errors.New("credential: unauthorized")
	ErrInsufficientReputation   = errors.New("credential: insufficient reputation")
	ErrCooldownActive           = errors.New("credential: cooldown active")
	ErrAlreadyHoldingCredential = errors.New("credential: credential already held")
	ErrNotHoldingCredential     = errors.New("credential: credential not held")
	ErrCustodyIdentity          = errors.New("credential: custody identity cannot hold credentials")
	ErrSettlementFailure        = errors.New("credential: settlement failure")
	ErrInvalidConfig            = errors.New("credential: invalid config")
	ErrStateUnavailable         = errors.New("credential: state unavailable")
)

// IsRetryable reports whether err may succeed on retry without any state
// change. Only settlement failures qualify; policy rejections do not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSettlementFailure)
}

// Kind returns a stable label for err suitable for metrics and API codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientReputation):
		return "insufficient_reputation"
	case errors.Is(err, ErrCooldownActive):
		return "cooldown_active"
	case errors.Is(err, ErrAlreadyHoldingCredential):
		return "already_holding"
	case errors.Is(err, ErrNotHoldingCredential):
		return "not_holding"
	case errors.Is(err, ErrCustodyIdentity):
		return "custody_identity"
	case errors.Is(err, ErrSettlementFailure):
		return "settlement_failure"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	default:
		return "internal"
	}
}
