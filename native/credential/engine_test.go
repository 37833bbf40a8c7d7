package credential_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sbtgate/core/events"
	"sbtgate/native/credential"
	"sbtgate/settlement"
	"sbtgate/storage"
)

var (
	owner = credential.Identity{0xaa}
	alice = credential.Identity{0x01}
	bob   = credential.Identity{0x02}
	carol = credential.Identity{0x03}
)

type harness struct {
	engine *credential.Engine
	ledger *settlement.MemoryLedger
	events *events.Broadcaster
	state  *failingState
	now    time.Time
}

type failingState struct {
	*credential.KVState
	fail bool
}

func (s *failingState) Commit(cs *credential.Changeset) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.KVState.Commit(cs)
}

func newHarness(t *testing.T, opts ...credential.Option) *harness {
	t.Helper()
	h := &harness{
		ledger: settlement.NewMemoryLedger(),
		events: events.NewBroadcaster(64),
		state:  &failingState{KVState: credential.NewKVState(storage.NewMemDB())},
		now:    time.Unix(1_700_000_000, 0),
	}
	opts = append([]credential.Option{credential.WithEmitter(h.events)}, opts...)
	engine, err := credential.NewEngine(h.state, h.ledger, opts...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) call(caller credential.Identity) credential.Call {
	return credential.Call{Caller: caller, Now: h.now}
}

func (h *harness) bootstrap(t *testing.T, cooldown time.Duration) {
	t.Helper()
	_, err := h.engine.Bootstrap(context.Background(), h.call(owner), 7, 80, cooldown)
	require.NoError(t, err)
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, rec := range h.events.History() {
		out = append(out, rec.Type)
	}
	return out
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := credential.NewEngine(nil, settlement.NewMemoryLedger())
	require.Error(t, err)
	_, err = credential.NewEngine(credential.NewKVState(storage.NewMemDB()), nil)
	require.Error(t, err)
}

func TestCredentialLifecycleScenarios(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, time.Hour)

	// set score and mint
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 90)
	require.NoError(t, err)
	score, err := h.engine.GetScore(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(90), score)
	count, err := h.engine.GetUpdateCount(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	minted, err := h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
	require.True(t, minted.Record.HoldsCredential)
	require.Equal(t, uint64(h.now.Unix()), minted.Record.LastMintTime)
	require.Equal(t, uint64(1), minted.Record.MintCount)
	require.NotZero(t, minted.Receipt.Serial)
	held, err := h.engine.HasCredential(ctx, alice)
	require.NoError(t, err)
	require.True(t, held)

	// immediate second mint
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrCooldownActive)

	// delegate boost leaves the counter alone
	require.NoError(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, true))
	boosted, err := h.engine.DelegateBoost(ctx, h.call(bob), alice, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(95), boosted.Score)
	count, err = h.engine.GetUpdateCount(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	// revoke, then cooldown still applies
	receipt, err := h.engine.Revoke(ctx, h.call(owner), alice)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.IntentID)
	held, err = h.engine.HasCredential(ctx, alice)
	require.NoError(t, err)
	require.False(t, held)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrCooldownActive)

	// low score blocks mint without touching state
	_, err = h.engine.SetScore(ctx, h.call(owner), alice, 50)
	require.NoError(t, err)
	before, err := h.engine.Record(alice)
	require.NoError(t, err)
	h.now = h.now.Add(2 * time.Hour)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrInsufficientReputation)
	after, err := h.engine.Record(alice)
	require.NoError(t, err)
	require.Equal(t, before, after)
	held, err = h.engine.HasCredential(ctx, alice)
	require.NoError(t, err)
	require.False(t, held)

	// re-mint once eligible again
	_, err = h.engine.SetScore(ctx, h.call(owner), alice, 80)
	require.NoError(t, err)
	again, err := h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
	require.Equal(t, uint64(2), again.Record.MintCount)

	require.Equal(t, []string{
		credential.EventTypeBootstrapped,
		credential.EventTypeScoreSet,
		credential.EventTypeMinted,
		credential.EventTypeDelegateUpdated,
		credential.EventTypeScoreBoosted,
		credential.EventTypeRevoked,
		credential.EventTypeScoreSet,
		credential.EventTypeScoreSet,
		credential.EventTypeMinted,
	}, h.eventTypes())
}

func TestBootstrapRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Bootstrap(ctx, h.call(owner), 0, 80, time.Hour)
	require.ErrorIs(t, err, credential.ErrInvalidConfig)
	_, err = h.engine.Bootstrap(ctx, h.call(owner), 7, 80, -time.Second)
	require.ErrorIs(t, err, credential.ErrInvalidConfig)

	cfg, err := h.engine.Bootstrap(ctx, h.call(owner), 7, 80, time.Hour)
	require.NoError(t, err)
	require.Equal(t, owner, cfg.Owner)
	require.Equal(t, time.Hour, cfg.Cooldown())

	_, err = h.engine.Bootstrap(ctx, h.call(owner), 8, 1, 0)
	require.ErrorIs(t, err, credential.ErrAlreadyInitialized)
	_, err = h.engine.Bootstrap(ctx, h.call(alice), 8, 1, 0)
	require.ErrorIs(t, err, credential.ErrAlreadyInitialized)

	stored, err := h.engine.Config()
	require.NoError(t, err)
	require.Equal(t, uint64(7), stored.CredentialID)
	require.Equal(t, owner, stored.Owner)
}

func TestOperationsBeforeBootstrap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	score, err := h.engine.GetScore(alice)
	require.NoError(t, err)
	require.Zero(t, score)

	_, err = h.engine.SetScore(ctx, h.call(owner), alice, 1)
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	require.ErrorIs(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, true), credential.ErrNotInitialized)
	_, err = h.engine.DelegateBoost(ctx, h.call(bob), alice, 1)
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	_, err = h.engine.IsReputable(alice)
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	_, err = h.engine.HasCredential(ctx, alice)
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	_, err = h.engine.Revoke(ctx, h.call(owner), alice)
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	_, err = h.engine.Config()
	require.ErrorIs(t, err, credential.ErrNotInitialized)
	require.Empty(t, h.events.History())
}

func requireScore(t *testing.T, e *credential.Engine, id credential.Identity, score, count uint64) {
	t.Helper()
	got, err := e.GetScore(id)
	require.NoError(t, err)
	require.Equal(t, score, got)
	updates, err := e.GetUpdateCount(id)
	require.NoError(t, err)
	require.Equal(t, count, updates)
}

func TestOwnerOnlyOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 40)
	require.NoError(t, err)

	_, err = h.engine.SetScore(ctx, h.call(alice), alice, 100)
	require.ErrorIs(t, err, credential.ErrUnauthorized)
	requireScore(t, h.engine, alice, 40, 1)

	require.ErrorIs(t, h.engine.ApproveDelegate(ctx, h.call(alice), alice, true), credential.ErrUnauthorized)
	isDelegate, err := h.engine.IsDelegate(alice)
	require.NoError(t, err)
	require.False(t, isDelegate)

	_, err = h.engine.Revoke(ctx, h.call(alice), bob)
	require.ErrorIs(t, err, credential.ErrUnauthorized)

	require.NoError(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, true))
	_, err = h.engine.SetScore(ctx, h.call(bob), alice, 100)
	require.ErrorIs(t, err, credential.ErrUnauthorized)
	requireScore(t, h.engine, alice, 40, 1)

	requireScore(t, h.engine, carol, 0, 0)
}

func TestDelegateBoostRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 50)
	require.NoError(t, err)

	_, err = h.engine.DelegateBoost(ctx, h.call(bob), alice, 5)
	require.ErrorIs(t, err, credential.ErrUnauthorized)
	requireScore(t, h.engine, alice, 50, 1)

	require.NoError(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, true))
	isDelegate, err := h.engine.IsDelegate(bob)
	require.NoError(t, err)
	require.True(t, isDelegate)

	rec, err := h.engine.DelegateBoost(ctx, h.call(bob), alice, 10)
	require.NoError(t, err)
	require.Equal(t, credential.ReputationRecord{Score: 60, UpdateCount: 1}, rec)

	require.NoError(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, false))
	_, err = h.engine.DelegateBoost(ctx, h.call(bob), alice, 1)
	require.ErrorIs(t, err, credential.ErrUnauthorized)
	requireScore(t, h.engine, alice, 60, 1)

	// owner is not implicitly a delegate
	_, err = h.engine.DelegateBoost(ctx, h.call(owner), carol, 1)
	require.ErrorIs(t, err, credential.ErrUnauthorized)
	requireScore(t, h.engine, carol, 0, 0)
}

func TestDelegateBoostSaturates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	require.NoError(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, true))

	_, err := h.engine.SetScore(ctx, h.call(owner), alice, math.MaxUint64-1)
	require.NoError(t, err)
	rec, err := h.engine.DelegateBoost(ctx, h.call(bob), alice, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), rec.Score)
	require.Equal(t, uint64(1), rec.UpdateCount)
}

func TestIsReputable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)

	ok, err := h.engine.IsReputable(alice)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = h.engine.SetScore(ctx, h.call(owner), alice, 80)
	require.NoError(t, err)
	ok, err = h.engine.IsReputable(alice)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRepeatedReadsAreStable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 80)
	require.NoError(t, err)
	_, err = h.engine.SetScore(ctx, h.call(owner), bob, 79)
	require.NoError(t, err)
	before := len(h.events.History())

	for i := 0; i < 5; i++ {
		ok, err := h.engine.IsReputable(alice)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = h.engine.IsReputable(bob)
		require.NoError(t, err)
		require.False(t, ok)
	}
	requireScore(t, h.engine, alice, 80, 1)
	require.Len(t, h.events.History(), before)
}

func TestMintWithZeroCooldownReportsAlreadyHolding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 100)
	require.NoError(t, err)

	_, err = h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrAlreadyHoldingCredential)
	require.Equal(t, uint64(1), h.ledger.Balance(alice, 7))
}

func TestRevokeRequiresHolding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)

	_, err := h.engine.Revoke(ctx, h.call(owner), alice)
	require.ErrorIs(t, err, credential.ErrNotHoldingCredential)
	require.Empty(t, h.ledger.Transfers())
}

func TestRevokeMovesUnitToCustody(t *testing.T) {
	ctx := context.Background()
	vault := credential.Identity{0x99}
	h := newHarness(t, credential.WithCustody(vault))
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 100)
	require.NoError(t, err)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)

	_, err = h.engine.Revoke(ctx, h.call(owner), alice)
	require.NoError(t, err)
	require.Equal(t, vault, h.engine.Custody())
	require.Zero(t, h.ledger.Balance(alice, 7))
	require.Equal(t, uint64(1), h.ledger.Balance(vault, 7))

	rec, err := h.engine.Record(alice)
	require.NoError(t, err)
	require.False(t, rec.Mint.HoldsCredential)
	require.Equal(t, uint64(h.now.Unix()), rec.Mint.LastMintTime)
}

func TestCustodyCannotMintOrBeRevoked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, credential.WithCustody(carol))
	h.bootstrap(t, 0)
	for _, id := range []credential.Identity{alice, bob, carol} {
		_, err := h.engine.SetScore(ctx, h.call(owner), id, 90)
		require.NoError(t, err)
	}

	_, err := h.engine.Mint(ctx, h.call(carol))
	require.ErrorIs(t, err, credential.ErrCustodyIdentity)
	require.False(t, credential.IsRetryable(err))
	require.Zero(t, h.ledger.Balance(carol, 7))

	for _, id := range []credential.Identity{alice, bob} {
		_, err := h.engine.Mint(ctx, h.call(id))
		require.NoError(t, err)
		_, err = h.engine.Revoke(ctx, h.call(owner), id)
		require.NoError(t, err)
		held, err := h.engine.HasCredential(ctx, id)
		require.NoError(t, err)
		require.False(t, held)
	}
	transfers := len(h.ledger.Transfers())

	_, err = h.engine.Revoke(ctx, h.call(owner), carol)
	require.ErrorIs(t, err, credential.ErrCustodyIdentity)
	require.Len(t, h.ledger.Transfers(), transfers)
	rec, err := h.engine.Record(carol)
	require.NoError(t, err)
	require.False(t, rec.Mint.Minted())
	require.Equal(t, uint64(2), h.ledger.Balance(carol, 7))
}

func TestBurnCustodyDoesNotBlockParticipants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 90)
	require.NoError(t, err)

	_, err = h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
	_, err = h.engine.Revoke(ctx, h.call(owner), alice)
	require.NoError(t, err)
	require.Zero(t, h.ledger.Balance(alice, 7))
	require.Zero(t, h.ledger.Balance(credential.Identity{}, 7))
}

func TestMintAtEpochStillStartsCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.now = time.Unix(0, 0)
	h.bootstrap(t, time.Hour)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 90)
	require.NoError(t, err)

	minted, err := h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
	require.Zero(t, minted.Record.LastMintTime)
	_, err = h.engine.Revoke(ctx, h.call(owner), alice)
	require.NoError(t, err)

	h.now = h.now.Add(10 * time.Minute)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrCooldownActive)

	h.now = time.Unix(0, 0).Add(time.Hour)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
}

func TestSettlementFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 100)
	require.NoError(t, err)
	before, err := h.engine.Record(alice)
	require.NoError(t, err)

	h.ledger.FailNext(settlement.OpIssue, errors.New("registry offline"))
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrSettlementFailure)
	require.True(t, credential.IsRetryable(err))
	after, err := h.engine.Record(alice)
	require.NoError(t, err)
	require.Equal(t, before, after)

	h.ledger.FailNext(settlement.OpHolding, errors.New("registry offline"))
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrSettlementFailure)
	require.Empty(t, h.ledger.Transfers())

	_, err = h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)
	require.False(t, credential.IsRetryable(credential.ErrCooldownActive))
}

func TestSettlementTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, credential.WithSettlementTimeout(20*time.Millisecond))
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 100)
	require.NoError(t, err)

	h.ledger.SetLatency(time.Second)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.ErrorIs(t, err, credential.ErrSettlementFailure)
	rec, err := h.engine.Record(alice)
	require.NoError(t, err)
	require.False(t, rec.Mint.HoldsCredential)
	require.Zero(t, h.ledger.Balance(alice, 7))
}

type cancellingSettlement struct {
	*settlement.MemoryLedger
	cancel context.CancelFunc
}

func (s *cancellingSettlement) Issue(ctx context.Context, intent credential.IssuanceIntent) (credential.Receipt, error) {
	s.cancel()
	return s.MemoryLedger.Issue(ctx, intent)
}

func TestCallerCancellationAfterSubmissionStillCommits(t *testing.T) {
	ledger := settlement.NewMemoryLedger()
	state := credential.NewKVState(storage.NewMemDB())
	callerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine, err := credential.NewEngine(state, &cancellingSettlement{MemoryLedger: ledger, cancel: cancel})
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	_, err = engine.Bootstrap(context.Background(), credential.Call{Caller: owner, Now: now}, 7, 0, 0)
	require.NoError(t, err)

	res, err := engine.Mint(callerCtx, credential.Call{Caller: alice, Now: now})
	require.NoError(t, err)
	require.True(t, res.Record.HoldsCredential)
	require.ErrorIs(t, callerCtx.Err(), context.Canceled)
	require.Equal(t, uint64(1), ledger.Balance(alice, 7))
}

func TestCallerCancellationBeforeSubmissionAborts(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(context.Background(), h.call(owner), alice, 100)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.engine.Mint(ctx, h.call(alice))
	require.Error(t, err)
	require.Empty(t, h.ledger.Transfers())
}

func TestCommitFailureCompensatesMint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 100)
	require.NoError(t, err)

	h.state.fail = true
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.Error(t, err)
	h.state.fail = false

	require.Zero(t, h.ledger.Balance(alice, 7))
	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 2)
	require.Equal(t, settlement.KindIssue, transfers[0].Kind)
	require.Equal(t, settlement.KindForceTransfer, transfers[1].Kind)
	rec, err := h.engine.Record(alice)
	require.NoError(t, err)
	require.False(t, rec.Mint.HoldsCredential)
	require.NotContains(t, h.eventTypes(), credential.EventTypeMinted)
}

func TestCommitFailureCompensatesRevoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	_, err := h.engine.SetScore(ctx, h.call(owner), alice, 100)
	require.NoError(t, err)
	_, err = h.engine.Mint(ctx, h.call(alice))
	require.NoError(t, err)

	h.state.fail = true
	_, err = h.engine.Revoke(ctx, h.call(owner), alice)
	require.Error(t, err)
	h.state.fail = false

	held, err := h.engine.HasCredential(ctx, alice)
	require.NoError(t, err)
	require.True(t, held)
	rec, err := h.engine.Record(alice)
	require.NoError(t, err)
	require.True(t, rec.Mint.HoldsCredential)
}

func TestConcurrentBoostsAreSerialized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, 0)
	require.NoError(t, h.engine.ApproveDelegate(ctx, h.call(owner), bob, true))

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers * 2)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := h.engine.DelegateBoost(ctx, h.call(bob), alice, 3); err != nil {
				t.Errorf("boost: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			score, err := h.engine.GetScore(alice)
			if err != nil {
				t.Errorf("get score: %v", err)
				return
			}
			if score%3 != 0 {
				t.Errorf("observed torn score %d", score)
			}
		}()
	}
	wg.Wait()

	score, err := h.engine.GetScore(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(workers*3), score)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")
	now := time.Unix(1_700_000_000, 0)

	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	ledger := settlement.NewMemoryLedger()
	engine, err := credential.NewEngine(credential.NewKVState(db), ledger)
	require.NoError(t, err)
	_, err = engine.Bootstrap(ctx, credential.Call{Caller: owner, Now: now}, 7, 10, time.Minute)
	require.NoError(t, err)
	_, err = engine.SetScore(ctx, credential.Call{Caller: owner, Now: now}, alice, 42)
	require.NoError(t, err)
	_, err = engine.Mint(ctx, credential.Call{Caller: alice, Now: now})
	require.NoError(t, err)
	db.Close()

	reopened, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	defer reopened.Close()
	engine, err = credential.NewEngine(credential.NewKVState(reopened), ledger)
	require.NoError(t, err)

	rec, err := engine.Record(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(42), rec.Reputation.Score)
	require.Equal(t, uint64(1), rec.Reputation.UpdateCount)
	require.True(t, rec.Mint.HoldsCredential)
	_, err = engine.Bootstrap(ctx, credential.Call{Caller: owner, Now: now}, 7, 10, time.Minute)
	require.ErrorIs(t, err, credential.ErrAlreadyInitialized)
	_, err = engine.Mint(ctx, credential.Call{Caller: alice, Now: now.Add(30 * time.Second)})
	require.ErrorIs(t, err, credential.ErrCooldownActive)
}
