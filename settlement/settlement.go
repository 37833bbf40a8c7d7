// Package settlement implements the collaborators that move credential units
// between accounts on behalf of the credential engine.
package settlement

import "errors"

var (
	// ErrAlreadyHolds is returned when issuing to an identity that already
	// holds a unit of the credential.
	ErrAlreadyHolds = errors.New("settlement: identity already holds credential")
	// ErrNoUnit is returned when forcing a transfer from an identity that holds
	// nothing.
	ErrNoUnit = errors.New("settlement: identity holds no credential")
	// ErrIntentConflict is returned when an intent id is replayed with
	// different contents.
	ErrIntentConflict = errors.New("settlement: intent id reused with different contents")
	// ErrInvalidIntent marks intents missing an id or a credential id.
	ErrInvalidIntent = errors.New("settlement: invalid intent")
)

// Kind labels a recorded transfer.
type Kind string

const (
	KindIssue         Kind = "issue"
	KindForceTransfer Kind = "force_transfer"
)
