package metrics

import (
	"net/http"
	"sync"
	"time"

	"warden/pkg/httpx"
)

// Registry counts validation outcomes and endpoint latencies in process.
// The snapshot endpoint serves it as JSON; heavier aggregation belongs to
// the tracing backend.
type Registry struct {
	mu       sync.RWMutex
	started  time.Time
	verdicts map[string]int64
	reasons  map[string]int64
	endpoint map[string]*EndpointStat
}

type EndpointStat struct {
	Count         int64   `json:"count"`
	ErrorCount    int64   `json:"error_count"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	UptimeSec   int64                   `json:"uptime_sec"`
	Verdicts    map[string]int64        `json:"verdicts"`
	Reasons     map[string]int64        `json:"reasons"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
}

func NewRegistry() *Registry {
	return &Registry{
		started:  time.Now().UTC(),
		verdicts: map[string]int64{},
		reasons:  map[string]int64{},
		endpoint: map[string]*EndpointStat{},
	}
}

// ObserveDecision counts one validation outcome. Allowed decisions carry an
// empty reason and are counted under "allow".
func (r *Registry) ObserveDecision(allowed, pending bool, reason string) {
	verdict := "deny"
	switch {
	case allowed:
		verdict = "allow"
	case pending:
		verdict = "pending"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[verdict]++
	if reason != "" {
		r.reasons[reason]++
	}
}

// Observe records one served request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now().UTC()
	snap := Snapshot{
		GeneratedAt: now.Format(time.RFC3339),
		UptimeSec:   int64(now.Sub(r.started).Seconds()),
		Verdicts:    make(map[string]int64, len(r.verdicts)),
		Reasons:     make(map[string]int64, len(r.reasons)),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
	}
	for k, v := range r.verdicts {
		snap.Verdicts[k] = v
	}
	for k, v := range r.reasons {
		snap.Reasons[k] = v
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	return snap
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// Middleware observes every request routed through it.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Observe(req.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
