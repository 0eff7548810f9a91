package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
)

var (
	// ErrFeedBroken marks an unrecoverable failure of the underlying change feed.
	// Cursors never retry; callers decide what to do with a broken feed.
	ErrFeedBroken = errors.New("feed: change feed broken")
	// ErrCursorClosed is returned by Next after Close.
	ErrCursorClosed = errors.New("feed: cursor closed")
)

// Cursor is a lazy, infinite, non-restartable sequence of inserted alerts in store order.
// Next blocks until an alert is available, the context ends, or the feed breaks.
type Cursor interface {
	Next(ctx context.Context) (alerts.Alert, error)
	Close() error
}

// Source opens cursors positioned at the current tail of a category's change feed.
type Source interface {
	Open(ctx context.Context, category alerts.Category) (Cursor, error)
}

func broken(cause error) error {
	return fmt.Errorf("%w: %w", ErrFeedBroken, cause)
}
