package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/telemetry/domain"
)

// emitTimeout bounds a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the servers stop before
// shutting down the OTel providers, so in-flight async emits can finish.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine so the caller is not blocked. The emit
// uses its own timeout; request cancellation does not abort it.
//
// emitter and event may be nil.
func EmitAsync(emitter EventEmitter, ctx context.Context, event *domain.Event) {
	if emitter == nil || event == nil {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			slog.Warn("async emit failed", "component", "telemetry", "event", event.Type, "error", err)
		}
	}()
}
