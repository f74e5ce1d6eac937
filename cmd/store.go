package main

import (
	"context"

	"github.com/sells-group/contract-toolkit/internal/store"
)

// initStore opens the configured run history store and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}
