package usagemeter

import (
	"errors"
)

// Sentinel errors.
var (
	ErrNotInitialized  = errors.New("usagemeter: actor not initialized")
	ErrUnknownPlan     = errors.New("usagemeter: unknown plan")
	ErrNoCredits       = errors.New("usagemeter: no credits remaining")
	ErrSessionActive   = errors.New("usagemeter: session already active")
	ErrNoActiveSession = errors.New("usagemeter: no active session")
	ErrActorClosed     = errors.New("usagemeter: actor closed")
	ErrLoadFailed      = errors.New("usagemeter: load state failed")
	ErrRegistryClosed  = errors.New("usagemeter: registry closed")
)

// IsRejection returns true if err is an expected domain rejection the caller
// can act on, as opposed to a misuse or lifecycle error.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoCredits) ||
		errors.Is(err, ErrSessionActive) ||
		errors.Is(err, ErrNoActiveSession)
}
