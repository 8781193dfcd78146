// Package monitoring serves health and status endpoints next to the
// Prometheus handler.
package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-tempo/internal/config"
)

// HealthStatus is the body of /health and /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
}

type SystemInfo struct {
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
	HeapMB     uint64 `json:"heap_mb"`
}

type ModelInfo struct {
	Layers            int  `json:"layers"`
	VocabSize         int  `json:"vocab_size"`
	PatchesPerSeries  int  `json:"patches_per_series"`
	TimeSeriesTokenID int  `json:"time_series_token_id"`
	SlidingWindow     bool `json:"sliding_window"`
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	Failures        int       `json:"failures"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	LastGeneration  time.Time `json:"last_generation,omitempty"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
}

// HealthMonitor tracks generation throughput for the status endpoints.
type HealthMonitor struct {
	startTime time.Time
	model     ModelInfo

	mu          sync.RWMutex
	history     []perfPoint
	generations int
	failures    int
	last        time.Time
}

const maxHistory = 100

func NewHealthMonitor(cfg config.Config) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		model: ModelInfo{
			Layers:            cfg.Layers,
			VocabSize:         cfg.VocabSize,
			PatchesPerSeries:  cfg.PatchesPerInstance(),
			TimeSeriesTokenID: cfg.TimeSeriesTokenID,
			SlidingWindow:     cfg.UsesSlidingWindow(),
		},
	}
}

// RecordGeneration records a finished generation; err marks it failed.
func (hm *HealthMonitor) RecordGeneration(tokens int, d time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.last = time.Now()
	if err != nil {
		hm.failures++
		return
	}
	hm.generations++
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: d})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
}

// Status reports "degraded" once more than half of all generations failed.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var tokens int
	var elapsed time.Duration
	for _, p := range hm.history {
		tokens += p.tokens
		elapsed += p.duration
	}
	perf := PerformanceInfo{
		Generations:    hm.generations,
		Failures:       hm.failures,
		LastGeneration: hm.last,
	}
	if elapsed > 0 {
		perf.TokensPerSecond = float64(tokens) / elapsed.Seconds()
	}

	status := "healthy"
	if hm.failures > hm.generations {
		status = "degraded"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion:  runtime.Version(),
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			NumCPU:     runtime.NumCPU(),
			Goroutines: runtime.NumGoroutine(),
			HeapMB:     mem.HeapAlloc / (1 << 20),
		},
		Model:       hm.model,
		Performance: perf,
	}
}

// Handler mounts /health, /healthz, /status and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hm.Status()
	code := http.StatusOK
	if st.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": st.Status, "uptime": st.Uptime})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
