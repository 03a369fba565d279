package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/infomart/internal/httputil"
)

type processStats struct {
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
	Goroutines int     `json:"goroutines"`
}

// sampleProcess reads resource usage of the current process. Fields the
// platform cannot report are left zero.
func sampleProcess(r *http.Request) processStats {
	stats := processStats{Goroutines: runtime.NumGoroutine()}
	proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(r.Context()); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := proc.NumThreadsWithContext(r.Context()); err == nil {
		stats.Threads = threads
	}
	return stats
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	products := 0
	if stats, err := h.app.Market.Stats(r.Context()); err == nil {
		products = stats.TotalProducts
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"products":  products,
		"vendors":   len(h.app.Feeds.List()),
		"treasury":  h.app.Market.Treasury().Total,
		"process":   sampleProcess(r),
	})
}
