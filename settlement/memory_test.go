package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sbtgate/native/credential"
)

func identity(b byte) credential.Identity {
	var id credential.Identity
	id[19] = b
	return id
}

func TestMemoryLedgerIssueAndHolding(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	alice := identity(1)

	receipt, err := ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: alice, CredentialID: 7})
	require.NoError(t, err)
	require.Equal(t, uint64(1), receipt.Serial)

	held, err := ledger.Holding(ctx, alice, 7)
	require.NoError(t, err)
	require.True(t, held)

	held, err = ledger.Holding(ctx, alice, 8)
	require.NoError(t, err)
	require.False(t, held)

	replay, err := ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: alice, CredentialID: 7})
	require.NoError(t, err)
	require.Equal(t, receipt, replay)

	_, err = ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-2", Identity: alice, CredentialID: 7})
	require.ErrorIs(t, err, ErrAlreadyHolds)

	_, err = ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: identity(2), CredentialID: 7})
	require.ErrorIs(t, err, ErrIntentConflict)
	require.Len(t, ledger.Transfers(), 1)
}

func TestMemoryLedgerForceTransfer(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	alice, vault := identity(1), identity(9)

	_, err := ledger.ForceTransfer(ctx, credential.ForcedTransferIntent{ID: "f-0", From: alice, To: vault, CredentialID: 7})
	require.ErrorIs(t, err, ErrNoUnit)

	_, err = ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: alice, CredentialID: 7})
	require.NoError(t, err)
	receipt, err := ledger.ForceTransfer(ctx, credential.ForcedTransferIntent{ID: "f-1", From: alice, To: vault, CredentialID: 7})
	require.NoError(t, err)
	require.Equal(t, uint64(2), receipt.Serial)
	require.Zero(t, ledger.Balance(alice, 7))
	require.Equal(t, uint64(1), ledger.Balance(vault, 7))

	_, err = ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-2", Identity: alice, CredentialID: 7})
	require.NoError(t, err)
	_, err = ledger.ForceTransfer(ctx, credential.ForcedTransferIntent{ID: "f-2", From: alice, CredentialID: 7})
	require.NoError(t, err)
	require.Zero(t, ledger.Balance(alice, 7))
	require.Zero(t, ledger.Balance(credential.Identity{}, 7))
}

func TestMemoryLedgerFaultInjection(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	boom := errors.New("boom")
	ledger.FailNext(OpIssue, boom)

	_, err := ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: identity(1), CredentialID: 7})
	require.ErrorIs(t, err, boom)
	require.Empty(t, ledger.Transfers())

	_, err = ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: identity(1), CredentialID: 7})
	require.NoError(t, err)

	ledger.FailNext(OpHolding, boom)
	_, err = ledger.Holding(ctx, identity(1), 7)
	require.ErrorIs(t, err, boom)
}

func TestMemoryLedgerLatencyHonoursContext(t *testing.T) {
	ledger := NewMemoryLedger()
	ledger.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ledger.Issue(ctx, credential.IssuanceIntent{ID: "i-1", Identity: identity(1), CredentialID: 7})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, ledger.Balance(identity(1), 7))
}

func TestMemoryLedgerRejectsInvalidIntent(t *testing.T) {
	ledger := NewMemoryLedger()
	_, err := ledger.Issue(context.Background(), credential.IssuanceIntent{Identity: identity(1), CredentialID: 7})
	require.ErrorIs(t, err, ErrInvalidIntent)
	_, err = ledger.ForceTransfer(context.Background(), credential.ForcedTransferIntent{ID: "x", From: identity(1)})
	require.ErrorIs(t, err, ErrInvalidIntent)
}
