// Package metrics holds the proxy's runtime counters: request outcomes by
// class, admission pressure, WAL progress, and latency percentiles.
package metrics

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the single owned counter object. All mutation goes through
// its methods; snapshots copy under a short critical section.
type Metrics struct {
	mu sync.RWMutex

	requestCounts  map[string]int64           // class -> count
	requestErrors  map[string]int64           // class -> error count
	requestLatency map[string][]time.Duration // class -> bounded samples
	maxSamples     int

	routedTo map[string]int64 // instance name -> requests routed

	timeoutRequests     atomic.Int64
	queueFullRejections atomic.Int64
	noHealthyInstance   atomic.Int64

	walAppended atomic.Int64
	walSynced   atomic.Int64
	walFailed   atomic.Int64
	walObsolete atomic.Int64

	txRecovered atomic.Int64
	txAbandoned atomic.Int64

	peakRSSBytes atomic.Int64

	startTime time.Time
}

// New creates the counter object.
func New() *Metrics {
	return &Metrics{
		requestCounts:  make(map[string]int64),
		requestErrors:  make(map[string]int64),
		requestLatency: make(map[string][]time.Duration),
		routedTo:       make(map[string]int64),
		maxSamples:     1000,
		startTime:      time.Now(),
	}
}

// RecordRequest records one proxied request of the given class (read,
// write, create_collection, delete_collection) with its latency.
func (m *Metrics) RecordRequest(class string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCounts[class]++
	samples := m.requestLatency[class]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.requestLatency[class] = append(samples, latency)
}

// RecordError records a failed request of the given class.
func (m *Metrics) RecordError(class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestErrors[class]++
}

// RecordRouted notes which instance served a request.
func (m *Metrics) RecordRouted(instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routedTo[instance]++
}

func (m *Metrics) RecordTimeout()           { m.timeoutRequests.Add(1) }
func (m *Metrics) RecordQueueFull()         { m.queueFullRejections.Add(1) }
func (m *Metrics) RecordNoHealthyInstance() { m.noHealthyInstance.Add(1) }

func (m *Metrics) RecordWALAppended() { m.walAppended.Add(1) }
func (m *Metrics) RecordWALSynced()   { m.walSynced.Add(1) }
func (m *Metrics) RecordWALFailed()   { m.walFailed.Add(1) }
func (m *Metrics) RecordWALObsolete() { m.walObsolete.Add(1) }

func (m *Metrics) RecordTxRecovered() { m.txRecovered.Add(1) }
func (m *Metrics) RecordTxAbandoned() { m.txAbandoned.Add(1) }

// RecordRSS updates the observed peak resident set size.
func (m *Metrics) RecordRSS(bytes int64) {
	for {
		cur := m.peakRSSBytes.Load()
		if bytes <= cur || m.peakRSSBytes.CompareAndSwap(cur, bytes) {
			return
		}
	}
}

// PeakRSS returns the highest RSS observed.
func (m *Metrics) PeakRSS() int64 { return m.peakRSSBytes.Load() }

// ClassMetrics holds counters for one request class.
type ClassMetrics struct {
	Class        string       `json:"class"`
	TotalCount   int64        `json:"total_count"`
	SuccessCount int64        `json:"success_count"`
	ErrorCount   int64        `json:"error_count"`
	Latency      LatencyStats `json:"latency,omitempty"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	MinMS float64 `json:"min_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
}

// Snapshot is a point-in-time view of every counter.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Requests      []ClassMetrics   `json:"requests"`
	RoutedTo      map[string]int64 `json:"routed_to"`

	TimeoutRequests     int64 `json:"timeout_requests"`
	QueueFullRejections int64 `json:"queue_full_rejections"`
	NoHealthyInstance   int64 `json:"no_healthy_instance"`

	WALAppended int64 `json:"wal_appended"`
	WALSynced   int64 `json:"wal_synced"`
	WALFailed   int64 `json:"wal_failed"`
	WALObsolete int64 `json:"wal_obsolete"`

	TxRecovered int64 `json:"tx_recovered"`
	TxAbandoned int64 `json:"tx_abandoned"`

	PeakRSSMB      int64 `json:"peak_rss_mb"`
	MemoryAllocMB  uint64 `json:"memory_alloc_mb"`
	GoroutineCount int    `json:"goroutine_count"`
}

// TakeSnapshot copies counters under a short critical section and computes
// the derived statistics outside it.
func (m *Metrics) TakeSnapshot() Snapshot {
	m.mu.RLock()
	classSet := make(map[string]struct{})
	for c := range m.requestCounts {
		classSet[c] = struct{}{}
	}
	for c := range m.requestErrors {
		classSet[c] = struct{}{}
	}
	counts := make(map[string]int64, len(classSet))
	errs := make(map[string]int64, len(classSet))
	lat := make(map[string][]time.Duration, len(classSet))
	for c := range classSet {
		counts[c] = m.requestCounts[c]
		errs[c] = m.requestErrors[c]
		if samples := m.requestLatency[c]; len(samples) > 0 {
			lat[c] = append([]time.Duration(nil), samples...)
		}
	}
	routed := make(map[string]int64, len(m.routedTo))
	for k, v := range m.routedTo {
		routed[k] = v
	}
	m.mu.RUnlock()

	uptime := math.Ceil(time.Since(m.startTime).Seconds())
	if uptime == 0 {
		uptime = 1
	}

	classes := make([]ClassMetrics, 0, len(classSet))
	for c := range classSet {
		success := counts[c] - errs[c]
		if success < 0 {
			success = 0
		}
		cm := ClassMetrics{
			Class:        c,
			TotalCount:   counts[c],
			SuccessCount: success,
			ErrorCount:   errs[c],
		}
		if samples := lat[c]; len(samples) > 0 {
			cm.Latency = calculateLatencyStats(samples)
		}
		classes = append(classes, cm)
	}
	sort.Slice(classes, func(i, j int) bool {
		return classes[i].TotalCount > classes[j].TotalCount
	})

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		Timestamp:           time.Now(),
		UptimeSeconds:       uptime,
		Requests:            classes,
		RoutedTo:            routed,
		TimeoutRequests:     m.timeoutRequests.Load(),
		QueueFullRejections: m.queueFullRejections.Load(),
		NoHealthyInstance:   m.noHealthyInstance.Load(),
		WALAppended:         m.walAppended.Load(),
		WALSynced:           m.walSynced.Load(),
		WALFailed:           m.walFailed.Load(),
		WALObsolete:         m.walObsolete.Load(),
		TxRecovered:         m.txRecovered.Load(),
		TxAbandoned:         m.txAbandoned.Load(),
		PeakRSSMB:           m.peakRSSBytes.Load() / 1024 / 1024,
		MemoryAllocMB:       memStats.Alloc / 1024 / 1024,
		GoroutineCount:      runtime.NumGoroutine(),
	}
}

// StatsLine returns a one-line summary for periodic logging.
func (m *Metrics) StatsLine(walBacklog int64) string {
	snap := m.TakeSnapshot()
	var total int64
	for _, c := range snap.Requests {
		total += c.TotalCount
	}
	rate := float64(total) / snap.UptimeSeconds
	return fmt.Sprintf("STATS: requests=%d rate=%.2f/s timeouts=%d queue_full=%d wal_backlog=%d wal_synced=%d mem=%dMB",
		total, rate, snap.TimeoutRequests, snap.QueueFullRejections, walBacklog, snap.WALSynced, snap.MemoryAllocMB)
}

func calculateLatencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	idx := func(pct int) int {
		i := n * pct / 100
		if i > n-1 {
			i = n - 1
		}
		return i
	}
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(sorted[idx(50)]),
		P95MS: toMS(sorted[idx(95)]),
		P99MS: toMS(sorted[idx(99)]),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(sum / time.Duration(n)),
	}
}
