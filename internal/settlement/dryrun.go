package settlement

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// DryRun accepts every call and returns a random handle. It lets the
// service run end to end without a settlement gateway.
type DryRun struct{}

func (DryRun) Name() string { return "dryrun" }

func (DryRun) Ping(context.Context) error { return nil }

func (d DryRun) ConfirmArrival(_ context.Context, id int64) (TxHandle, error) {
	return d.settle(ConfirmArrival, id), nil
}

func (d DryRun) FinalizeNoShow(_ context.Context, id int64) (TxHandle, error) {
	return d.settle(FinalizeNoShow, id), nil
}

func (DryRun) settle(outcome Outcome, id int64) TxHandle {
	tx := TxHandle("dryrun-" + uuid.NewString())
	slog.Info("dry-run settlement",
		"reservation_id", id,
		"outcome", outcome,
		"tx", tx,
	)
	return tx
}
