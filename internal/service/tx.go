package service

import (
	"context"

	"github.com/sefazor/cutout-backend/internal/repository"
	"go.uber.org/zap"
)

const maxTxAttempts = 3

// runInTx runs fn in a transaction, retrying serialization failures and
// deadlocks. fn must reset any state it captures, since it may run more than once.
func runInTx(ctx context.Context, store *repository.Store, log *zap.Logger, op string, fn func(tx *repository.Store) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = store.WithTx(ctx, fn)
		if err == nil || !repository.IsTransient(err) {
			return err
		}
		log.Warn("transaction conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return wrap(ErrConflict, err)
}
