package credential

import "context"

// Settlement moves credential units between accounts. The engine treats it as
// the authority on who currently holds a unit.
type Settlement interface {
	Issue(ctx context.Context, intent IssuanceIntent) (Receipt, error)
	ForceTransfer(ctx context.Context, intent ForcedTransferIntent) (Receipt, error)
	Holding(ctx context.Context, id Identity, credentialID uint64) (bool, error)
}
