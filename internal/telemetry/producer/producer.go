// Package producer ships lifecycle events to a message broker.
package producer

import (
	"context"

	"github.com/SOG-web/reauth-sub001/internal/telemetry/domain"
)

// Producer emits events to a broker. Callers use it best-effort.
type Producer interface {
	Emit(ctx context.Context, event *domain.Event) error
	// Close flushes and releases the underlying writer. Safe to call twice.
	Close() error
}
