// Package provider defines the external analytical query capability: an
// opaque row-returning fetch keyed by entity and date range.
package provider

import (
	"context"
	"net"
	"os"

	"github.com/friendsofgo/errors"

	"tagwatch/pkg/dates"
	"tagwatch/pkg/document"
	"tagwatch/pkg/store"
)

// ErrTimeout classifies a fetch that exceeded the upstream time budget.
// Callers react by re-chunking the range once; any other failure is generic
// and the range is skipped.
var ErrTimeout = errors.New("provider timeout")

// Provider fetches daily tag metrics for one entity over a date range.
// Columns must stay consistent across calls for the same entity class.
type Provider interface {
	Fetch(ctx context.Context, class store.EntityClass, entityID string, r dates.Range) ([]string, []document.Row, error)
}

// IsTimeout reports whether err represents a timeout, either our own
// classification or a transport-level deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
