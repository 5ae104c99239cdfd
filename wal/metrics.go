package wal

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// Metrics holds the expvar counters of one log.
type Metrics struct {
	PublishedGlobally bool

	AppendsTotal       *expvar.Int
	AppendErrorsTotal  *expvar.Int
	BytesWrittenTotal  *expvar.Int
	BatchesTotal       *expvar.Int
	SyncsTotal         *expvar.Int
	RollsTotal         *expvar.Int
	SegmentsPurged     *expvar.Int
	ClearsTotal        *expvar.Int
	LockTimeoutsTotal  *expvar.Int
	RecoveryTruncated  *expvar.Int
	ReplicatedTotal    *expvar.Int
	BlockCacheHits     *expvar.Int
	BlockCacheMisses   *expvar.Int
	SegmentCacheHits   *expvar.Int
	SegmentCacheMisses *expvar.Int
	LastLSN            *expvar.Int

	// AppendLatency tracks how long committed batches took, in milliseconds.
	AppendLatency *LatencyDigest
}

// NewMetrics creates the counters. With a non-empty prefix they are also
// published in the global expvar namespace.
func NewMetrics(prefix string) *Metrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	publish := prefix != ""
	if publish {
		newInt = publishExpvarInt
	}

	m := &Metrics{
		PublishedGlobally:  publish,
		AppendsTotal:       newInt(prefix + "appends_total"),
		AppendErrorsTotal:  newInt(prefix + "append_errors_total"),
		BytesWrittenTotal:  newInt(prefix + "bytes_written_total"),
		BatchesTotal:       newInt(prefix + "batches_total"),
		SyncsTotal:         newInt(prefix + "syncs_total"),
		RollsTotal:         newInt(prefix + "rolls_total"),
		SegmentsPurged:     newInt(prefix + "segments_purged_total"),
		ClearsTotal:        newInt(prefix + "clears_total"),
		LockTimeoutsTotal:  newInt(prefix + "lock_timeouts_total"),
		RecoveryTruncated:  newInt(prefix + "recovery_truncated_bytes_total"),
		ReplicatedTotal:    newInt(prefix + "replicated_records_total"),
		BlockCacheHits:     newInt(prefix + "block_cache_hits"),
		BlockCacheMisses:   newInt(prefix + "block_cache_misses"),
		SegmentCacheHits:   newInt(prefix + "segment_cache_hits"),
		SegmentCacheMisses: newInt(prefix + "segment_cache_misses"),
		LastLSN:            newInt(prefix + "last_lsn"),
		AppendLatency:      newLatencyDigest(),
	}
	if publish {
		publishExpvarFunc(prefix+"append_latency_ms", m.AppendLatency.Snapshot)
	}
	return m
}

// ObserveAppendLatency records the commit time of one batch.
func (m *Metrics) ObserveAppendLatency(d time.Duration) {
	m.AppendLatency.Observe(d)
}

// LatencyDigest keeps streaming latency quantiles in a t-digest.
type LatencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func newLatencyDigest() *LatencyDigest {
	td, err := tdigest.New()
	if err != nil {
		// tdigest.New only fails on invalid options.
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}
	return &LatencyDigest{td: td}
}

// Observe adds one sample.
func (l *LatencyDigest) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.td.AddWeighted(ms, 1)
}

// Quantile returns the q-quantile in milliseconds, or 0 without samples.
func (l *LatencyDigest) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.td.Count() == 0 {
		return 0
	}
	return l.td.Quantile(q)
}

// Count returns the number of samples.
func (l *LatencyDigest) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.td.Count()
}

// Snapshot is the expvar view of the digest.
func (l *LatencyDigest) Snapshot() any {
	return map[string]any{
		"count": l.Count(),
		"p50":   l.Quantile(0.50),
		"p99":   l.Quantile(0.99),
	}
}

// publishExpvarInt returns the global Int registered under name, creating it
// if needed. An existing Int is reset so that a reopened log starts at zero.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFunc registers fn under name. expvar cannot unpublish, so a
// reopened log takes over the existing variable through an indirection.
func publishExpvarFunc(name string, fn func() any) {
	expvarFuncsMu.Lock()
	defer expvarFuncsMu.Unlock()
	if ref, ok := expvarFuncs[name]; ok {
		ref.Store(fn)
		return
	}
	if v := expvar.Get(name); v != nil {
		panic(fmt.Sprintf("expvar: trying to publish Func %s but variable already exists with type %T", name, v))
	}
	ref := new(atomic.Value)
	ref.Store(fn)
	expvarFuncs[name] = ref
	expvar.Publish(name, expvar.Func(func() any {
		return ref.Load().(func() any)()
	}))
}

var (
	expvarFuncsMu sync.Mutex
	expvarFuncs   = map[string]*atomic.Value{}
)
