package credential

import (
	"strconv"

	"sbtgate/core/events"
)

const (
	// EventTypeBootstrapped is emitted once the global configuration is set.
	EventTypeBootstrapped = "credential.bootstrapped"
	// EventTypeScoreSet is emitted when the owner assigns a score.
	EventTypeScoreSet = "credential.scoreSet"
	// EventTypeScoreBoosted is emitted when a delegate boosts a score.
	EventTypeScoreBoosted = "credential.scoreBoosted"
	// EventTypeDelegateUpdated is emitted when a delegate is approved or removed.
	EventTypeDelegateUpdated = "credential.delegateUpdated"
	// EventTypeMinted is emitted after a confirmed issuance.
	EventTypeMinted = "credential.minted"
	// EventTypeRevoked is emitted after a confirmed revocation.
	EventTypeRevoked = "credential.revoked"
)

// Event is a structured credential lifecycle notification.
type Event struct {
	Type  string
	Attrs map[string]string
}

// EventType implements events.Event.
func (e Event) EventType() string { return e.Type }

// Attributes implements events.Attributed. The returned map is a copy.
func (e Event) Attributes() map[string]string {
	out := make(map[string]string, len(e.Attrs))
	for k, v := range e.Attrs {
		out[k] = v
	}
	return out
}

var _ events.Attributed = Event{}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// BootstrappedEvent describes a completed bootstrap.
func BootstrappedEvent(cfg *Config) Event {
	return Event{
		Type: EventTypeBootstrapped,
		Attrs: map[string]string{
			"owner":        cfg.Owner.String(),
			"credentialId": u64(cfg.CredentialID),
			"threshold":    u64(cfg.Threshold),
			"cooldown":     u64(cfg.CooldownSeconds),
		},
	}
}

// ScoreSetEvent describes an owner score assignment.
func ScoreSetEvent(id Identity, rec ReputationRecord) Event {
	return Event{
		Type: EventTypeScoreSet,
		Attrs: map[string]string{
			"identity":    id.String(),
			"score":       u64(rec.Score),
			"updateCount": u64(rec.UpdateCount),
		},
	}
}

// ScoreBoostedEvent describes a delegate boost.
func ScoreBoostedEvent(delegate, target Identity, amount uint64, rec ReputationRecord) Event {
	return Event{
		Type: EventTypeScoreBoosted,
		Attrs: map[string]string{
			"delegate": delegate.String(),
			"identity": target.String(),
			"amount":   u64(amount),
			"score":    u64(rec.Score),
		},
	}
}

// DelegateUpdatedEvent describes a delegate approval change.
func DelegateUpdatedEvent(id Identity, approved bool) Event {
	return Event{
		Type: EventTypeDelegateUpdated,
		Attrs: map[string]string{
			"identity": id.String(),
			"approved": strconv.FormatBool(approved),
		},
	}
}

// MintedEvent describes a confirmed mint.
func MintedEvent(id Identity, rec MintRecord, receipt Receipt) Event {
	return Event{
		Type: EventTypeMinted,
		Attrs: map[string]string{
			"identity":  id.String(),
			"serial":    u64(receipt.Serial),
			"intentId":  receipt.IntentID,
			"mintedAt":  u64(rec.LastMintTime),
			"mintCount": u64(rec.MintCount),
		},
	}
}

// RevokedEvent describes a confirmed revocation.
func RevokedEvent(target, custody Identity, receipt Receipt) Event {
	return Event{
		Type: EventTypeRevoked,
		Attrs: map[string]string{
			"identity": target.String(),
			"custody":  custody.String(),
			"intentId": receipt.IntentID,
		},
	}
}
