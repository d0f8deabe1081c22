package server

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/casualtrader/arena/internal/database"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/httpx"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/trading"
)

// SystemHandlers serves health, model catalog and system status endpoints.
type SystemHandlers struct {
	db       *database.DB
	hub      *events.Hub
	registry *trading.ActiveRegistry
	models   *agents.ModelRepository
	started  time.Time
	log      zerolog.Logger

	cpuPercent    func(time.Duration, bool) ([]float64, error)
	virtualMemory func() (*mem.VirtualMemoryStat, error)
}

// NewSystemHandlers creates the system handlers.
func NewSystemHandlers(db *database.DB, hub *events.Hub, registry *trading.ActiveRegistry, models *agents.ModelRepository, started time.Time, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:            db,
		hub:           hub,
		registry:      registry,
		models:        models,
		started:       started,
		log:           log.With().Str("handler", "system").Logger(),
		cpuPercent:    cpu.Percent,
		virtualMemory: mem.VirtualMemory,
	}
}

// HandleHealth reports liveness. The database ping makes it a real check,
// not a constant.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.db.Conn().PingContext(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Database ping failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpx.WriteJSON(w, h.log, code, map[string]any{
		"status":         status,
		"service":        "arena",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// HandleListModels returns the enabled model catalog.
func (h *SystemHandlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.ListEnabled()
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]any{"models": models})
}

// HandleSystemStatus reports host resource usage and live execution counts.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := h.systemStats()

	var diskUsedPct float64
	if usage, err := disk.Usage(filepath.Dir(h.db.Path())); err == nil {
		diskUsedPct = usage.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	}

	var dbSizeBytes int64
	if stats, err := h.db.GetStats(); err == nil {
		dbSizeBytes = stats.SizeBytes
	}

	httpx.WriteJSON(w, h.log, http.StatusOK, map[string]any{
		"uptime_seconds":      int64(time.Since(h.started).Seconds()),
		"cpu_percent":         cpuPct,
		"memory_percent":      memPct,
		"disk_percent":        diskUsedPct,
		"active_executions":   h.registry.Count(),
		"websocket_clients":   h.hub.Count(),
		"database_size_bytes": dbSizeBytes,
	})
}

// systemStats samples CPU over a short interval so the endpoint stays fast.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := h.cpuPercent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := h.virtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}
