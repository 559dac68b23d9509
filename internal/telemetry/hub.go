// Package telemetry exposes the operator-facing view of the decimation
// core: a rolling history of per-sequence processing times with live
// fan-out and HTTP diagnostics.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/superdarn-hankasalmi/borealis/internal/logging"
)

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

// Sample captures one sequence's processing outcome.
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	SequenceNum  uint32    `json:"sequenceNum"`
	KernelTimeMs float64   `json:"kernelTimeMs"`
	TotalTimeMs  float64   `json:"totalTimeMs"`
	Status       string    `json:"status"`
}

// Hub collects history and fans out timing updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	started      time.Time
	log          logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, log logging.Logger) *Hub {
	if historyLimit < minHistoryLimit {
		historyLimit = minHistoryLimit
	}
	if historyLimit > maxHistoryLimit {
		historyLimit = maxHistoryLimit
	}
	if log == nil {
		log = logging.Default()
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Sample]struct{}),
		started:      time.Now(),
		log:          log,
	}
}

// Report records a new timing sample.
func (h *Hub) Report(seq uint32, kernelMs, totalMs float64, status string) {
	sample := Sample{
		Timestamp:    time.Now(),
		SequenceNum:  seq,
		KernelTimeMs: kernelMs,
		TotalTimeMs:  totalMs,
		Status:       status,
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Diagnostics summarises process health.
type Diagnostics struct {
	NumGoroutine int     `json:"numGoroutine"`
	UptimeSec    float64 `json:"uptimeSec"`
	Sequences    int     `json:"sequences"`
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.History())
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.RLock()
	sequences := len(h.history)
	h.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Diagnostics{
		NumGoroutine: runtime.NumGoroutine(),
		UptimeSec:    time.Since(h.started).Seconds(),
		Sequences:    sequences,
	})
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, _ := json.Marshal(sample)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// Handler returns the hub's HTTP mux.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/diagnostics", h.handleDiagnostics)
	mux.HandleFunc("/api/live", h.handleLive)
	return mux
}

// Serve runs the diagnostics server until the listener fails.
func (h *Hub) Serve(addr string) error {
	h.log.Info("telemetry listening", logging.Field{Key: "addr", Value: addr})
	return http.ListenAndServe(addr, h.Handler())
}
