package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sbtgate/native/credential"
)

// Operation names a settlement call for fault injection.
type Operation string

const (
	OpIssue         Operation = "issue"
	OpForceTransfer Operation = "force_transfer"
	OpHolding       Operation = "holding"
)

// Transfer is a confirmed movement recorded by a ledger.
type Transfer struct {
	IntentID     string
	Kind         Kind
	From         credential.Identity
	To           credential.Identity
	CredentialID uint64
	Serial       uint64
}

type holdingKey struct {
	id           credential.Identity
	credentialID uint64
}

// MemoryLedger is an in-process settlement collaborator. The zero identity
// acts as a burn address and never accumulates units.
type MemoryLedger struct {
	mu        sync.Mutex
	balances  map[holdingKey]uint64
	byIntent  map[string]Transfer
	transfers []Transfer
	serial    uint64
	failures  map[Operation][]error
	latency   time.Duration
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[holdingKey]uint64),
		byIntent: make(map[string]Transfer),
		failures: make(map[Operation][]error),
	}
}

// FailNext queues err to be returned by the next call of op. Queued failures
// are consumed in order.
func (l *MemoryLedger) FailNext(op Operation, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], err)
}

// SetLatency delays every mutating call by d, honouring context cancellation.
func (l *MemoryLedger) SetLatency(d time.Duration) {
	l.mu.Lock()
	l.latency = d
	l.mu.Unlock()
}

// Transfers returns the confirmed transfers in order.
func (l *MemoryLedger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// Balance returns the number of units id holds.
func (l *MemoryLedger) Balance(id credential.Identity, credentialID uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holdingKey{id: id, credentialID: credentialID}]
}

func (l *MemoryLedger) injected(op Operation) error {
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	l.failures[op] = queue[1:]
	return queue[0]
}

func (l *MemoryLedger) wait(ctx context.Context) error {
	l.mu.Lock()
	latency := l.latency
	l.mu.Unlock()
	if latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Issue creates one unit for the intent's identity.
func (l *MemoryLedger) Issue(ctx context.Context, intent credential.IssuanceIntent) (credential.Receipt, error) {
	if intent.ID == "" || intent.CredentialID == 0 {
		return credential.Receipt{}, ErrInvalidIntent
	}
	if err := l.wait(ctx); err != nil {
		return credential.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpIssue); err != nil {
		return credential.Receipt{}, err
	}
	if prior, ok := l.byIntent[intent.ID]; ok {
		if prior.Kind != KindIssue || prior.To != intent.Identity || prior.CredentialID != intent.CredentialID {
			return credential.Receipt{}, ErrIntentConflict
		}
		return credential.Receipt{IntentID: prior.IntentID, Serial: prior.Serial}, nil
	}
	key := holdingKey{id: intent.Identity, credentialID: intent.CredentialID}
	if l.balances[key] > 0 {
		return credential.Receipt{}, fmt.Errorf("%w: %s", ErrAlreadyHolds, intent.Identity)
	}
	l.serial++
	l.balances[key] = 1
	l.record(Transfer{
		IntentID:     intent.ID,
		Kind:         KindIssue,
		To:           intent.Identity,
		CredentialID: intent.CredentialID,
		Serial:       l.serial,
	})
	return credential.Receipt{IntentID: intent.ID, Serial: l.serial}, nil
}

// ForceTransfer moves one unit from the holder to the destination.
func (l *MemoryLedger) ForceTransfer(ctx context.Context, intent credential.ForcedTransferIntent) (credential.Receipt, error) {
	if intent.ID == "" || intent.CredentialID == 0 {
		return credential.Receipt{}, ErrInvalidIntent
	}
	if err := l.wait(ctx); err != nil {
		return credential.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpForceTransfer); err != nil {
		return credential.Receipt{}, err
	}
	if prior, ok := l.byIntent[intent.ID]; ok {
		if prior.Kind != KindForceTransfer || prior.From != intent.From || prior.To != intent.To {
			return credential.Receipt{}, ErrIntentConflict
		}
		return credential.Receipt{IntentID: prior.IntentID, Serial: prior.Serial}, nil
	}
	from := holdingKey{id: intent.From, credentialID: intent.CredentialID}
	if l.balances[from] == 0 {
		return credential.Receipt{}, fmt.Errorf("%w: %s", ErrNoUnit, intent.From)
	}
	l.balances[from]--
	if !intent.To.IsZero() {
		l.balances[holdingKey{id: intent.To, credentialID: intent.CredentialID}]++
	}
	l.serial++
	l.record(Transfer{
		IntentID:     intent.ID,
		Kind:         KindForceTransfer,
		From:         intent.From,
		To:           intent.To,
		CredentialID: intent.CredentialID,
		Serial:       l.serial,
	})
	return credential.Receipt{IntentID: intent.ID, Serial: l.serial}, nil
}

// Holding reports whether id holds a unit of the credential.
func (l *MemoryLedger) Holding(ctx context.Context, id credential.Identity, credentialID uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpHolding); err != nil {
		return false, err
	}
	return l.balances[holdingKey{id: id, credentialID: credentialID}] > 0, nil
}

func (l *MemoryLedger) record(t Transfer) {
	l.byIntent[t.IntentID] = t
	l.transfers = append(l.transfers, t)
}

var _ credential.Settlement = (*MemoryLedger)(nil)
