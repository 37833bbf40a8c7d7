package credential

import (
	"encoding/hex"
	"time"

	"sbtgate/crypto"
)

// Identity is the 20-byte address of a participant. Only equality is
// interpreted by the engine.
type Identity [20]byte

// IsZero reports whether the identity is the all-zero address.
func (id Identity) IsZero() bool { return id == Identity{} }

// String renders the identity in its bech32 form.
func (id Identity) String() string { return crypto.FormatIdentity(id) }

// Hex renders the identity as lower-case hex without prefix.
func (id Identity) Hex() string { return hex.EncodeToString(id[:]) }

// ParseIdentity decodes a bech32 identity string.
func ParseIdentity(s string) (Identity, error) {
	raw, err := crypto.DecodeIdentity(s)
	if err != nil {
		return Identity{}, err
	}
	return Identity(raw), nil
}

// Config is the immutable global configuration established by Bootstrap.
type Config struct {
	CredentialID    uint64
	Threshold       uint64
	CooldownSeconds uint64
	Owner           Identity
}

// Cooldown returns the minimum interval between two mints by one identity.
func (c *Config) Cooldown() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ReputationRecord tracks the score of an identity and how many times the
// owner set it.
type ReputationRecord struct {
	Score       uint64
	UpdateCount uint64
}

// MintRecord tracks the mint history of an identity. LastMintTime is unix
// seconds and only meaningful once MintCount is non-zero.
type MintRecord struct {
	LastMintTime    uint64
	HoldsCredential bool
	MintCount       uint64
	Serial          uint64
}

// Minted reports whether the identity has ever minted.
func (m MintRecord) Minted() bool { return m.MintCount != 0 }

// Record is the full audit view of a single identity.
type Record struct {
	Identity   Identity
	Reputation ReputationRecord
	Mint       MintRecord
	Delegate   bool
}

// Call carries the authenticated caller and the time of the invocation.
type Call struct {
	Caller Identity
	Now    time.Time
}

func (c Call) unix() uint64 {
	ts := c.Now.Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// IssuanceIntent asks the settlement collaborator to create one credential
// unit owned by Identity.
type IssuanceIntent struct {
	ID           string
	Identity     Identity
	CredentialID uint64
}

// ForcedTransferIntent asks the settlement collaborator to move the unit held
// by From to To regardless of the holder's consent.
type ForcedTransferIntent struct {
	ID           string
	From         Identity
	To           Identity
	CredentialID uint64
}

// Receipt confirms a settlement intent.
type Receipt struct {
	IntentID string
	Serial   uint64
}
