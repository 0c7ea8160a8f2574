// Package plugins implements optional reserved endpoints a Service can
// expose alongside the user's own descriptor (spec §12): _health, _metrics,
// and _audit. A Service has them only when the caller registers them. Each
// plugin contributes a descriptor.Endpoint and dispatch.Handler
// pair a caller merges into service.Options' ExtraReserved/ExtraHandlers,
// keeping the service package itself free of any plugin-specific import.
package plugins

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/dispatch"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthEndpoint describes the reserved `_health` RPC (spec §12): status,
// process uptime, goroutine count, heap allocation, CPU percent, and RSS.
// No error rate is reported.
func HealthEndpoint() descriptor.Endpoint {
	return descriptor.Endpoint{
		Name:          "_health",
		Type:          descriptor.RPC,
		RequestSchema: []byte(`{}`),
		ReplySchema: []byte(`{
			"type": "object",
			"properties": {
				"status": {"type": "string"},
				"uptimeSeconds": {"type": "number"},
				"goroutines": {"type": "integer"},
				"heapAllocMB": {"type": "number"},
				"cpuPercent": {"type": "number"},
				"rssMB": {"type": "number"}
			},
			"required": ["status", "uptimeSeconds", "goroutines"]
		}`),
	}
}

// Health samples process resource usage for the _health handler, grounded
// on the teacher's go-server/internal/metrics/system.go SystemMetrics (same
// gopsutil/v3 primitives, adapted here into a single self-contained report
// instead of a continuously-updated tracker).
type Health struct {
	start time.Time
	proc  *process.Process
}

// NewHealth constructs a Health sampler. proc lookup failure is tolerated —
// RSS simply reports as 0 — since _health must never itself become a
// reason the service looks unhealthy.
func NewHealth() *Health {
	h := &Health{start: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

// Handler is the dispatch.Handler for the _health RPC.
func (h *Health) Handler() dispatch.Handler {
	return func(ctx context.Context, input any) (any, error) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		cpuPercent := 0.0
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			cpuPercent = percents[0]
		}

		rssMB := 0.0
		if h.proc != nil {
			if info, err := h.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
				rssMB = float64(info.RSS) / 1024 / 1024
			}
		}

		return map[string]any{
			"status":        "ok",
			"uptimeSeconds": time.Since(h.start).Seconds(),
			"goroutines":    runtime.NumGoroutine(),
			"heapAllocMB":   float64(mem.HeapAlloc) / 1024 / 1024,
			"cpuPercent":    cpuPercent,
			"rssMB":         rssMB,
		}, nil
	}
}
