package credential

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Snapshot is the state a policy decision is evaluated against. Config is nil
// when the engine has not been bootstrapped. Absent records are zero values.
// Custody is the sink of revoked units; the zero identity burns them.
type Snapshot struct {
	Config     *Config
	Custody    Identity
	Reputation ReputationRecord
	Mint       MintRecord
	Delegate   bool
}

func (s Snapshot) isCustody(id Identity) bool {
	return !s.Custody.IsZero() && id == s.Custody
}

func (s Snapshot) initialized() error {
	if s.Config == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s Snapshot) requireOwner(caller Identity) error {
	if err := s.initialized(); err != nil {
		return err
	}
	if caller != s.Config.Owner {
		return ErrUnauthorized
	}
	return nil
}

// CheckBootstrap validates a bootstrap request and returns the config it
// would establish.
func CheckBootstrap(snap Snapshot, call Call, credentialID, threshold uint64, cooldown time.Duration) (*Config, error) {
	if snap.Config != nil {
		return nil, ErrAlreadyInitialized
	}
	if credentialID == 0 {
		return nil, fmt.Errorf("%w: credential id must be non-zero", ErrInvalidConfig)
	}
	if cooldown < 0 {
		return nil, fmt.Errorf("%w: cooldown must not be negative", ErrInvalidConfig)
	}
	if cooldown%time.Second != 0 {
		return nil, fmt.Errorf("%w: cooldown must be whole seconds", ErrInvalidConfig)
	}
	return &Config{
		CredentialID:    credentialID,
		Threshold:       threshold,
		CooldownSeconds: uint64(cooldown / time.Second),
		Owner:           call.Caller,
	}, nil
}

// CheckSetScore validates an owner score assignment against the subject's
// current record and returns the next record.
func CheckSetScore(snap Snapshot, call Call, value uint64) (ReputationRecord, error) {
	if err := snap.requireOwner(call.Caller); err != nil {
		return ReputationRecord{}, err
	}
	next := snap.Reputation
	next.Score = value
	if next.UpdateCount < math.MaxUint64 {
		next.UpdateCount++
	}
	return next, nil
}

// CheckOwner rejects callers other than the owner.
func CheckOwner(snap Snapshot, call Call) error {
	return snap.requireOwner(call.Caller)
}

// CheckApproveDelegate validates a change to the delegate set.
func CheckApproveDelegate(snap Snapshot, call Call) error {
	return CheckOwner(snap, call)
}

// CheckDelegateBoost validates a boost by the caller, whose approval flag is
// snap.Delegate, and returns the target's next record. Scores saturate at the
// maximum and the update counter is left untouched.
func CheckDelegateBoost(snap Snapshot, amount uint64) (ReputationRecord, error) {
	if err := snap.initialized(); err != nil {
		return ReputationRecord{}, err
	}
	if !snap.Delegate {
		return ReputationRecord{}, ErrUnauthorized
	}
	next := snap.Reputation
	next.Score = SaturatingAdd(next.Score, amount)
	return next, nil
}

// SaturatingAdd returns a+b clamped to the maximum uint64.
func SaturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// Reputable reports whether the subject's score meets the threshold.
func Reputable(snap Snapshot) (bool, error) {
	if err := snap.initialized(); err != nil {
		return false, err
	}
	return snap.Reputation.Score >= snap.Config.Threshold, nil
}

// CooldownRemaining returns how long the subject must still wait before
// minting again. Zero means the cooldown has elapsed or never started.
func CooldownRemaining(snap Snapshot, now time.Time) time.Duration {
	if snap.Config == nil || !snap.Mint.Minted() {
		return 0
	}
	cooldown := snap.Config.CooldownSeconds
	ready := SaturatingAdd(snap.Mint.LastMintTime, cooldown)
	nowUnix := Call{Now: now}.unix()
	if nowUnix >= ready {
		return 0
	}
	wait := ready - nowUnix
	if wait > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(wait) * time.Second
}

// CheckMint evaluates the local preconditions for the caller minting for
// itself and returns the intent to submit. The holding check against the
// settlement collaborator follows via CheckNotHolding.
func CheckMint(snap Snapshot, call Call) (IssuanceIntent, error) {
	if err := snap.initialized(); err != nil {
		return IssuanceIntent{}, err
	}
	if snap.isCustody(call.Caller) {
		return IssuanceIntent{}, ErrCustodyIdentity
	}
	if snap.Reputation.Score < snap.Config.Threshold {
		return IssuanceIntent{}, ErrInsufficientReputation
	}
	if remaining := CooldownRemaining(snap, call.Now); remaining > 0 {
		return IssuanceIntent{}, fmt.Errorf("%w: %s remaining", ErrCooldownActive, remaining)
	}
	return IssuanceIntent{Identity: call.Caller, CredentialID: snap.Config.CredentialID}, nil
}

// CheckNotHolding rejects a mint for an identity that already holds a unit.
func CheckNotHolding(holding bool) error {
	if holding {
		return ErrAlreadyHoldingCredential
	}
	return nil
}

// ApplyMint returns the subject's mint record after a confirmed issuance.
func ApplyMint(snap Snapshot, call Call, receipt Receipt) MintRecord {
	next := snap.Mint
	next.LastMintTime = call.unix()
	next.HoldsCredential = true
	next.MintCount = SaturatingAdd(next.MintCount, 1)
	next.Serial = receipt.Serial
	return next
}

// CheckRevokeTarget rejects revocations the owner may not request, before
// the settlement collaborator is consulted.
func CheckRevokeTarget(snap Snapshot, call Call, target Identity) error {
	if err := snap.requireOwner(call.Caller); err != nil {
		return err
	}
	if snap.isCustody(target) {
		return ErrCustodyIdentity
	}
	return nil
}

// CheckRevoke validates an owner revocation of target's unit. holding is the
// settlement collaborator's answer for target.
func CheckRevoke(snap Snapshot, call Call, target Identity, holding bool) (ForcedTransferIntent, error) {
	if err := CheckRevokeTarget(snap, call, target); err != nil {
		return ForcedTransferIntent{}, err
	}
	if !holding {
		return ForcedTransferIntent{}, ErrNotHoldingCredential
	}
	return ForcedTransferIntent{From: target, To: snap.Custody, CredentialID: snap.Config.CredentialID}, nil
}

// ApplyRevoke returns target's mint record after a confirmed revocation. The
// last mint time is kept so the cooldown still runs from the original mint.
func ApplyRevoke(snap Snapshot) MintRecord {
	next := snap.Mint
	next.HoldsCredential = false
	return next
}
