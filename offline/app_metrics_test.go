package offline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppMetrics(t *testing.T) {
	t.Run("route_stats", testAppMetricsRouteStats)
	t.Run("download_flush_refresh", testAppMetricsDomains)
	t.Run("recent_ring_buffer", testAppMetricsRecent)
	t.Run("noop", testAppMetricsNoop)
}

func testAppMetricsRouteStats(t *testing.T) {
	m := NewInMemAppMetrics()

	m.RecordRequest("get", "/usage", 200, 12)
	m.RecordRequest("GET", "/usage", 200, 4)
	m.RecordRequest("GET", "/usage", 500, 40)
	m.RecordRequest("POST", "/sync/flush", 200, 80)

	snap := m.Snapshot()
	usage := snap.RouteStats["GET /usage"]
	require.Equal(t, int64(3), usage.Count)
	require.Equal(t, int64(1), usage.ErrorCount)
	require.Equal(t, int64(56), usage.LatencySumMS)
	require.Equal(t, int64(4), usage.LatencyMinMS)
	require.Equal(t, int64(40), usage.LatencyMaxMS)
	require.Equal(t, int64(1), snap.RouteStats["POST /sync/flush"].Count)
	require.Positive(t, snap.Runtime.Goroutines)
}

func testAppMetricsDomains(t *testing.T) {
	m := NewInMemAppMetrics()

	m.RecordDownload("book-1", 120, 4096, nil)
	m.RecordDownload("book-1", 300, 0, fmt.Errorf("quota"))
	m.RecordFlush(25, 3, 1, 0, nil)
	m.RecordFlush(40, 0, 0, 2, fmt.Errorf("store down"))
	m.RecordRefresh("subjects", 15, 12, nil)

	snap := m.Snapshot()

	dl := snap.DownloadStats["book-1"]
	require.Equal(t, int64(2), dl.Count)
	require.Equal(t, int64(1), dl.ErrorCount)
	require.Equal(t, int64(4096), dl.TotalBytes)
	require.Equal(t, int64(300), dl.LatencyMaxMS)

	require.Equal(t, int64(2), snap.FlushStats.Count)
	require.Equal(t, int64(1), snap.FlushStats.ErrorCount)
	require.Equal(t, int64(3), snap.FlushStats.TotalApplied)
	require.Equal(t, int64(1), snap.FlushStats.TotalRetained)
	require.Equal(t, int64(2), snap.FlushStats.TotalFailed)

	ref := snap.RefreshStats["subjects"]
	require.Equal(t, int64(1), ref.Count)
	require.Equal(t, int64(12), ref.TotalRecords)
}

func testAppMetricsRecent(t *testing.T) {
	m := NewInMemAppMetrics()

	for i := 0; i < appMetricsRecentCapacity+25; i++ {
		m.RecordRequest("GET", fmt.Sprintf("/records/%d", i), 200, 1)
	}

	snap := m.Snapshot()
	require.Len(t, snap.RecentRequests, appMetricsRecentCapacity)
	// oldest surviving entry is the 26th request; newest is the last
	require.Equal(t, "/records/25", snap.RecentRequests[0].Path)
	require.Equal(t, fmt.Sprintf("/records/%d", appMetricsRecentCapacity+24),
		snap.RecentRequests[len(snap.RecentRequests)-1].Path)
}

func testAppMetricsNoop(t *testing.T) {
	var m AppMetrics = NoopAppMetrics{}
	m.RecordRequest("GET", "/usage", 200, 1)
	m.RecordFlush(1, 1, 0, 0, nil)
	require.Empty(t, m.Snapshot().RouteStats)
}
