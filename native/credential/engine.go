package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sbtgate/core/events"
)

// DefaultSettlementTimeout bounds a single settlement round trip.
const DefaultSettlementTimeout = 10 * time.Second

const tracerName = "sbtgate/credential"

// Recorder receives operation and settlement outcomes for metrics.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveSettlement(kind, outcome string, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, string, time.Duration)  {}
func (noopRecorder) ObserveSettlement(string, string, time.Duration) {}

// Engine evaluates credential policy and applies approved transitions to the
// state store and the settlement collaborator.
type Engine struct {
	mu                sync.RWMutex
	state             State
	settlement        Settlement
	emitter           events.Emitter
	logger            *slog.Logger
	tracer            trace.Tracer
	recorder          Recorder
	custody           Identity
	settlementTimeout time.Duration
	nowFn             func() time.Time
	newIntentID       func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithEmitter sets the event emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithCustody sets the destination of forced transfers. The zero identity
// burns the unit.
func WithCustody(custody Identity) Option {
	return func(e *Engine) { e.custody = custody }
}

// WithSettlementTimeout bounds each settlement call.
func WithSettlementTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.settlementTimeout = timeout
		}
	}
}

// WithClock overrides the time used when a call carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithIntentIDs overrides the generator of settlement intent ids.
func WithIntentIDs(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newIntentID = gen
		}
	}
}

// NewEngine constructs an engine over the supplied state and settlement
// collaborator.
func NewEngine(state State, settlement Settlement, opts ...Option) (*Engine, error) {
	if state == nil {
		return nil, errors.New("credential: state not configured")
	}
	if settlement == nil {
		return nil, errors.New("credential: settlement not configured")
	}
	e := &Engine{
		state:             state,
		settlement:        settlement,
		emitter:           events.NoopEmitter{},
		logger:            slog.Default(),
		tracer:            otel.Tracer(tracerName),
		recorder:          noopRecorder{},
		settlementTimeout: DefaultSettlementTimeout,
		nowFn:             time.Now,
		newIntentID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Custody returns the destination of forced transfers.
func (e *Engine) Custody() Identity { return e.custody }

func (e *Engine) normalize(call Call) Call {
	if call.Now.IsZero() {
		call.Now = e.nowFn()
	}
	return call
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer.Start(ctx, "credential."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (e *Engine) finish(span trace.Span, op string, started time.Time, err error) {
	outcome := Kind(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	span.End()
	e.recorder.ObserveOperation(op, outcome, time.Since(started))
}

func (e *Engine) snapshot(subject Identity) (Snapshot, error) {
	cfg, err := e.state.Config()
	if err != nil {
		return Snapshot{}, err
	}
	rep, _, err := e.state.Reputation(subject)
	if err != nil {
		return Snapshot{}, err
	}
	mint, _, err := e.state.MintRecord(subject)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Config: cfg, Custody: e.custody, Reputation: rep, Mint: mint}, nil
}

// settlementContext detaches ctx from caller cancellation and bounds it by the
// settlement timeout.
func (e *Engine) settlementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.settlementTimeout)
}

func (e *Engine) holding(ctx context.Context, id Identity, credentialID uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.settlementTimeout)
	defer cancel()
	started := time.Now()
	held, err := e.settlement.Holding(ctx, id, credentialID)
	e.recorder.ObserveSettlement("holding", settlementOutcome(err), time.Since(started))
	if err != nil {
		return false, fmt.Errorf("%w: holding query: %v", ErrSettlementFailure, err)
	}
	return held, nil
}

func settlementOutcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "rejected"
	}
}

// Bootstrap establishes the global configuration. The caller becomes the
// owner. A second bootstrap is always refused.
func (e *Engine) Bootstrap(ctx context.Context, call Call, credentialID, threshold uint64, cooldown time.Duration) (cfg *Config, err error) {
	_, span, started := e.start(ctx, "Bootstrap")
	defer func() { e.finish(span, "bootstrap", started, err) }()
	call = e.normalize(call)

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.state.Config()
	if err != nil {
		return nil, err
	}
	cfg, err = CheckBootstrap(Snapshot{Config: current}, call, credentialID, threshold, cooldown)
	if err != nil {
		return nil, err
	}
	cs := NewChangeset()
	cs.Config = cfg
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.logger.Info("credential engine bootstrapped",
		slog.String("owner", cfg.Owner.String()),
		slog.Uint64("credential_id", cfg.CredentialID),
		slog.Uint64("threshold", cfg.Threshold),
		slog.Uint64("cooldown_seconds", cfg.CooldownSeconds))
	e.emitter.Emit(BootstrappedEvent(cfg))
	copied := *cfg
	return &copied, nil
}

// SetScore assigns the score of id. Only the owner may call it.
func (e *Engine) SetScore(ctx context.Context, call Call, id Identity, value uint64) (rec ReputationRecord, err error) {
	_, span, started := e.start(ctx, "SetScore", attribute.String("identity", id.String()))
	defer func() { e.finish(span, "set_score", started, err) }()
	call = e.normalize(call)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.snapshot(id)
	if err != nil {
		return ReputationRecord{}, err
	}
	next, err := CheckSetScore(snap, call, value)
	if err != nil {
		return ReputationRecord{}, err
	}
	cs := NewChangeset()
	cs.Reputation[id] = next
	if err := e.state.Commit(cs); err != nil {
		return ReputationRecord{}, err
	}
	e.emitter.Emit(ScoreSetEvent(id, next))
	return next, nil
}

// GetScore returns the score of id, zero when unknown.
func (e *Engine) GetScore(id Identity) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, _, err := e.state.Reputation(id)
	if err != nil {
		return 0, err
	}
	return rec.Score, nil
}

// GetUpdateCount returns how many times the owner set the score of id.
func (e *Engine) GetUpdateCount(id Identity) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, _, err := e.state.Reputation(id)
	if err != nil {
		return 0, err
	}
	return rec.UpdateCount, nil
}

// ApproveDelegate sets whether id may boost scores. Only the owner may call
// it.
func (e *Engine) ApproveDelegate(ctx context.Context, call Call, id Identity, approved bool) (err error) {
	_, span, started := e.start(ctx, "ApproveDelegate", attribute.String("identity", id.String()), attribute.Bool("approved", approved))
	defer func() { e.finish(span, "approve_delegate", started, err) }()
	call = e.normalize(call)

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.state.Config()
	if err != nil {
		return err
	}
	if err := CheckApproveDelegate(Snapshot{Config: cfg}, call); err != nil {
		return err
	}
	cs := NewChangeset()
	cs.Delegates[id] = approved
	if err := e.state.Commit(cs); err != nil {
		return err
	}
	e.emitter.Emit(DelegateUpdatedEvent(id, approved))
	return nil
}

// IsDelegate reports whether id is an approved delegate.
func (e *Engine) IsDelegate(id Identity) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	approved, _, err := e.state.Delegate(id)
	return approved, err
}

// DelegateBoost adds amount to the score of target on behalf of an approved
// delegate. The update counter is not touched.
func (e *Engine) DelegateBoost(ctx context.Context, call Call, target Identity, amount uint64) (rec ReputationRecord, err error) {
	_, span, started := e.start(ctx, "DelegateBoost", attribute.String("identity", target.String()))
	defer func() { e.finish(span, "delegate_boost", started, err) }()
	call = e.normalize(call)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.snapshot(target)
	if err != nil {
		return ReputationRecord{}, err
	}
	approved, _, err := e.state.Delegate(call.Caller)
	if err != nil {
		return ReputationRecord{}, err
	}
	snap.Delegate = approved
	next, err := CheckDelegateBoost(snap, amount)
	if err != nil {
		return ReputationRecord{}, err
	}
	cs := NewChangeset()
	cs.Reputation[target] = next
	if err := e.state.Commit(cs); err != nil {
		return ReputationRecord{}, err
	}
	e.emitter.Emit(ScoreBoostedEvent(call.Caller, target, amount, next))
	return next, nil
}

// IsReputable reports whether the score of id meets the threshold.
func (e *Engine) IsReputable(id Identity) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, err := e.snapshot(id)
	if err != nil {
		return false, err
	}
	return Reputable(snap)
}

// HasCredential asks the settlement collaborator whether id holds a unit.
func (e *Engine) HasCredential(ctx context.Context, id Identity) (held bool, err error) {
	ctx, span, started := e.start(ctx, "HasCredential", attribute.String("identity", id.String()))
	defer func() { e.finish(span, "has_credential", started, err) }()

	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, err := e.state.Config()
	if err != nil {
		return false, err
	}
	if cfg == nil {
		return false, ErrNotInitialized
	}
	return e.holding(ctx, id, cfg.CredentialID)
}

// Config returns the global configuration.
func (e *Engine) Config() (*Config, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, err := e.state.Config()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

// Record returns the full audit view of id.
func (e *Engine) Record(id Identity) (Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, err := e.snapshot(id)
	if err != nil {
		return Record{}, err
	}
	approved, _, err := e.state.Delegate(id)
	if err != nil {
		return Record{}, err
	}
	return Record{Identity: id, Reputation: snap.Reputation, Mint: snap.Mint, Delegate: approved}, nil
}

// MintResult describes a confirmed mint.
type MintResult struct {
	Record  MintRecord
	Receipt Receipt
}

// Mint issues a credential unit to the caller once its score meets the
// threshold, its cooldown elapsed and it holds no unit. The custody identity
// never mints. The caller's context
// may cancel the call until the intent is submitted; from then on the
// settlement runs to completion bounded by the settlement timeout.
func (e *Engine) Mint(ctx context.Context, call Call) (res MintResult, err error) {
	ctx, span, started := e.start(ctx, "Mint", attribute.String("identity", call.Caller.String()))
	defer func() { e.finish(span, "mint", started, err) }()
	call = e.normalize(call)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.snapshot(call.Caller)
	if err != nil {
		return MintResult{}, err
	}
	intent, err := CheckMint(snap, call)
	if err != nil {
		return MintResult{}, err
	}
	held, err := e.holding(ctx, call.Caller, intent.CredentialID)
	if err != nil {
		return MintResult{}, err
	}
	if err := CheckNotHolding(held); err != nil {
		return MintResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return MintResult{}, err
	}

	intent.ID = e.newIntentID()
	settleCtx, cancel := e.settlementContext(ctx)
	defer cancel()
	issuedAt := time.Now()
	receipt, err := e.settlement.Issue(settleCtx, intent)
	e.recorder.ObserveSettlement("issue", settlementOutcome(err), time.Since(issuedAt))
	if err != nil {
		e.logger.Warn("credential issuance failed",
			slog.String("identity", call.Caller.String()),
			slog.String("intent_id", intent.ID),
			slog.Any("error", err))
		return MintResult{}, fmt.Errorf("%w: issue: %v", ErrSettlementFailure, err)
	}
	if receipt.IntentID == "" {
		receipt.IntentID = intent.ID
	}

	next := ApplyMint(snap, call, receipt)
	cs := NewChangeset()
	cs.Mints[call.Caller] = next
	if err := e.state.Commit(cs); err != nil {
		e.compensateMint(ctx, intent, err)
		return MintResult{}, err
	}
	e.logger.Info("credential minted",
		slog.String("identity", call.Caller.String()),
		slog.String("intent_id", receipt.IntentID),
		slog.Uint64("serial", receipt.Serial))
	e.emitter.Emit(MintedEvent(call.Caller, next, receipt))
	return MintResult{Record: next, Receipt: receipt}, nil
}

func (e *Engine) compensateMint(ctx context.Context, issued IssuanceIntent, cause error) {
	reversal := ForcedTransferIntent{
		ID:           e.newIntentID(),
		From:         issued.Identity,
		To:           e.custody,
		CredentialID: issued.CredentialID,
	}
	ctx, cancel := e.settlementContext(ctx)
	defer cancel()
	if _, err := e.settlement.ForceTransfer(ctx, reversal); err != nil {
		e.logger.Error("mint compensation failed",
			slog.String("identity", issued.Identity.String()),
			slog.String("intent_id", issued.ID),
			slog.String("reversal_id", reversal.ID),
			slog.Any("commit_error", cause),
			slog.Any("error", err))
		return
	}
	e.logger.Warn("mint compensated after commit failure",
		slog.String("identity", issued.Identity.String()),
		slog.String("intent_id", issued.ID),
		slog.String("reversal_id", reversal.ID),
		slog.Any("commit_error", cause))
}

// Revoke forcibly moves the unit held by target to custody. Only the owner
// may call it, and never against the custody identity itself.
func (e *Engine) Revoke(ctx context.Context, call Call, target Identity) (receipt Receipt, err error) {
	ctx, span, started := e.start(ctx, "Revoke", attribute.String("identity", target.String()))
	defer func() { e.finish(span, "revoke", started, err) }()
	call = e.normalize(call)

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.snapshot(target)
	if err != nil {
		return Receipt{}, err
	}
	if err := CheckRevokeTarget(snap, call, target); err != nil {
		return Receipt{}, err
	}
	held, err := e.holding(ctx, target, snap.Config.CredentialID)
	if err != nil {
		return Receipt{}, err
	}
	intent, err := CheckRevoke(snap, call, target, held)
	if err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	intent.ID = e.newIntentID()
	settleCtx, cancel := e.settlementContext(ctx)
	defer cancel()
	submitted := time.Now()
	receipt, err = e.settlement.ForceTransfer(settleCtx, intent)
	e.recorder.ObserveSettlement("force_transfer", settlementOutcome(err), time.Since(submitted))
	if err != nil {
		e.logger.Warn("credential revocation failed",
			slog.String("identity", target.String()),
			slog.String("intent_id", intent.ID),
			slog.Any("error", err))
		return Receipt{}, fmt.Errorf("%w: force transfer: %v", ErrSettlementFailure, err)
	}
	if receipt.IntentID == "" {
		receipt.IntentID = intent.ID
	}

	cs := NewChangeset()
	cs.Mints[target] = ApplyRevoke(snap)
	if err := e.state.Commit(cs); err != nil {
		e.compensateRevoke(ctx, intent, err)
		return Receipt{}, err
	}
	e.logger.Info("credential revoked",
		slog.String("identity", target.String()),
		slog.String("custody", e.custody.String()),
		slog.String("intent_id", receipt.IntentID))
	e.emitter.Emit(RevokedEvent(target, e.custody, receipt))
	return receipt, nil
}

func (e *Engine) compensateRevoke(ctx context.Context, revoked ForcedTransferIntent, cause error) {
	reissue := IssuanceIntent{
		ID:           e.newIntentID(),
		Identity:     revoked.From,
		CredentialID: revoked.CredentialID,
	}
	ctx, cancel := e.settlementContext(ctx)
	defer cancel()
	if _, err := e.settlement.Issue(ctx, reissue); err != nil {
		e.logger.Error("revocation compensation failed",
			slog.String("identity", revoked.From.String()),
			slog.String("intent_id", revoked.ID),
			slog.String("reissue_id", reissue.ID),
			slog.Any("commit_error", cause),
			slog.Any("error", err))
		return
	}
	e.logger.Warn("revocation compensated after commit failure",
		slog.String("identity", revoked.From.String()),
		slog.String("intent_id", revoked.ID),
		slog.String("reissue_id", reissue.ID),
		slog.Any("commit_error", cause))
}
