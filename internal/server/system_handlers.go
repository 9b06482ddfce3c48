package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/gatekeeper/internal/pacing"
	"github.com/aristath/gatekeeper/internal/pool"
)

// SystemHandlers serves process and host status
type SystemHandlers struct {
	pacerStats func() pacing.Stats
	poolStats  func() pool.Stats
	started    time.Time
	log        zerolog.Logger
}

// NewSystemHandlers creates the system status handlers
func NewSystemHandlers(pacerStats func() pacing.Stats, poolStats func() pool.Stats, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		pacerStats: pacerStats,
		poolStats:  poolStats,
		started:    time.Now(),
		log:        log.With().Str("handler", "system").Logger(),
	}
}

// HandleStatus handles GET /api/system/status
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		data["cpu_percent"] = percentages[0]
	} else if err != nil {
		h.log.Debug().Err(err).Msg("Failed to read CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		data["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	} else {
		h.log.Debug().Err(err).Msg("Failed to read memory usage")
	}

	if h.pacerStats != nil {
		data["pacing"] = h.pacerStats()
	}
	if h.poolStats != nil {
		data["pool"] = h.poolStats()
	}

	writeEnvelope(w, http.StatusOK, data)
}
