package offline

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

type AppMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordDownload(assetID string, latencyMS int64, sizeBytes int64, err error)
	RecordFlush(latencyMS int64, applied, retained, failed int, err error)
	RecordRefresh(tag string, latencyMS int64, recordCount int, err error)
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type DownloadStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
	TotalBytes   int64 `json:"total_bytes"`
}

type FlushStats struct {
	Count         int64 `json:"count"`
	ErrorCount    int64 `json:"error_count"`
	LatencySumMS  int64 `json:"latency_sum_ms"`
	LatencyMaxMS  int64 `json:"latency_max_ms"`
	TotalApplied  int64 `json:"total_applied"`
	TotalRetained int64 `json:"total_retained"`
	TotalFailed   int64 `json:"total_failed"`
}

type RefreshStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
	TotalRecords int64 `json:"total_records"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats     map[string]RouteStats    `json:"route_stats"`
	DownloadStats  map[string]DownloadStats `json:"download_stats"`
	FlushStats     FlushStats               `json:"flush_stats"`
	RefreshStats   map[string]RefreshStats  `json:"refresh_stats"`
	RecentRequests []RecentRequest          `json:"recent_requests"`
	Runtime        RuntimeStats             `json:"runtime"`
	UptimeSeconds  int64                    `json:"uptime_seconds"`
	StartTime      time.Time                `json:"start_time"`
}

// noop implementation: used when metrics are disabled.
type NoopAppMetrics struct{}

func (NoopAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopAppMetrics) RecordDownload(assetID string, latencyMS int64, sizeBytes int64, err error) {}

func (NoopAppMetrics) RecordFlush(latencyMS int64, applied, retained, failed int, err error) {}

func (NoopAppMetrics) RecordRefresh(tag string, latencyMS int64, recordCount int, err error) {}

func (NoopAppMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{}
}

const appMetricsRecentCapacity = 200

// in-memory implementation: records metrics into local maps and a ring buffer of recent requests.
type InMemAppMetrics struct {
	mu sync.Mutex

	routeStats    map[string]RouteStats
	downloadStats map[string]DownloadStats
	flushStats    FlushStats
	refreshStats  map[string]RefreshStats

	recent      []RecentRequest
	recentNext  int
	recentCount int

	startTime time.Time
}

func NewInMemAppMetrics() *InMemAppMetrics {
	return &InMemAppMetrics{
		routeStats:    make(map[string]RouteStats),
		downloadStats: make(map[string]DownloadStats),
		refreshStats:  make(map[string]RefreshStats),
		recent:        make([]RecentRequest, appMetricsRecentCapacity),
		startTime:     time.Now().UTC(),
	}
}

func (m *InMemAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.routeStats[key] = v

	m.appendRecentLocked(RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: time.Now().UTC(),
	})
}

func (m *InMemAppMetrics) RecordDownload(assetID string, latencyMS int64, sizeBytes int64, err error) {
	if m == nil {
		return
	}
	assetID = normalizeMetricsID(assetID)
	if latencyMS < 0 {
		latencyMS = 0
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.downloadStats[assetID]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	v.TotalBytes += sizeBytes
	m.downloadStats[assetID] = v
}

func (m *InMemAppMetrics) RecordFlush(latencyMS int64, applied, retained, failed int, err error) {
	if m == nil {
		return
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushStats.Count++
	if err != nil {
		m.flushStats.ErrorCount++
	}
	m.flushStats.LatencySumMS += latencyMS
	if latencyMS > m.flushStats.LatencyMaxMS {
		m.flushStats.LatencyMaxMS = latencyMS
	}
	m.flushStats.TotalApplied += int64(applied)
	m.flushStats.TotalRetained += int64(retained)
	m.flushStats.TotalFailed += int64(failed)
}

func (m *InMemAppMetrics) RecordRefresh(tag string, latencyMS int64, recordCount int, err error) {
	if m == nil {
		return
	}
	tag = normalizeMetricsID(tag)
	if latencyMS < 0 {
		latencyMS = 0
	}
	if recordCount < 0 {
		recordCount = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.refreshStats[tag]
	v.Count++
	if err != nil {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	v.TotalRecords += int64(recordCount)
	m.refreshStats[tag] = v
}

func (m *InMemAppMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:     copyMap(m.routeStats),
		DownloadStats:  copyMap(m.downloadStats),
		FlushStats:     m.flushStats,
		RefreshStats:   copyMap(m.refreshStats),
		RecentRequests: m.recentSnapshotLocked(),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// read mem stats outside the lock: runtime.ReadMemStats stops the world
	// and holding m.mu during that pause would block all record calls.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}

	return out
}

func (m *InMemAppMetrics) appendRecentLocked(entry RecentRequest) {
	m.recent[m.recentNext] = entry
	m.recentNext = (m.recentNext + 1) % len(m.recent)
	if m.recentCount < len(m.recent) {
		m.recentCount++
	}
}

func (m *InMemAppMetrics) recentSnapshotLocked() []RecentRequest {
	if m.recentCount == 0 {
		return []RecentRequest{}
	}
	out := make([]RecentRequest, 0, m.recentCount)
	start := (m.recentNext - m.recentCount + len(m.recent)) % len(m.recent)
	for i := 0; i < m.recentCount; i++ {
		idx := (start + i) % len(m.recent)
		out = append(out, m.recent[idx])
	}
	return out
}

func normalizeMetricsID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "default"
	}
	return id
}

// copyMap returns a shallow copy of a map with string keys.
func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
