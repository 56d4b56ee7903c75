package patterns

import (
	"context"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, sessionID string, options []models.RetentionOption) error

// StoreRetention implements Store.
func (f StoreFunc) StoreRetention(ctx context.Context, sessionID string, options []models.RetentionOption) error {
	return f(ctx, sessionID, options)
}
