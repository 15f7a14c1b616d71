package handlers

import (
	"net/http"
	"os"
	"time"

	"research-notes-api/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/process"
)

type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
	CPUPercent float64 `json:"cpu_percent"`
}

type HealthResponse struct {
	Status      string        `json:"status"`
	Message     string        `json:"message"`
	Uptime      string        `json:"uptime"`
	Connections int           `json:"connections"`
	Groups      int           `json:"groups"`
	Process     *ProcessStats `json:"process,omitempty"`
}

type HealthHandler struct {
	hub     *realtime.Hub
	started time.Time
}

func NewHealthHandler(hub *realtime.Hub) *HealthHandler {
	return &HealthHandler{hub: hub, started: time.Now()}
}

// Health reports liveness, hub counts and process stats
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	conns, groups := h.hub.Stats()
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Message:     "Research notes realtime hub is running",
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Connections: conns,
		Groups:      groups,
		Process:     selfStats(),
	})
}

// selfStats is best effort; nil when the platform does not expose the numbers.
func selfStats() *ProcessStats {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil
	}
	stats := &ProcessStats{PID: os.Getpid(), RSSBytes: mem.RSS}
	if threads, err := p.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
