// Package metrics tracks in-process operation counters. This is
// deliberately not an exporter or dashboard, just atomic counters the
// engine's Progress operation reads and logs as structured fields.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters is a process-wide set of atomic counters. The zero value is
// ready to use.
type Counters struct {
	SegmentsUploaded   atomic.Int64
	SegmentsDownloaded atomic.Int64
	BytesTransferred   atomic.Int64
	ArticlesPosted     atomic.Int64
	ArticlesFetched    atomic.Int64
	RetryCount         atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy of Counters suitable for
// logging or returning from the progress operation.
type Snapshot struct {
	SegmentsUploaded   int64
	SegmentsDownloaded int64
	BytesTransferred   int64
	ArticlesPosted     int64
	ArticlesFetched    int64
	RetryCount         int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		SegmentsUploaded:   c.SegmentsUploaded.Load(),
		SegmentsDownloaded: c.SegmentsDownloaded.Load(),
		BytesTransferred:   c.BytesTransferred.Load(),
		ArticlesPosted:     c.ArticlesPosted.Load(),
		ArticlesFetched:    c.ArticlesFetched.Load(),
		RetryCount:         c.RetryCount.Load(),
	}
}

// OperationTimer records how long one named operation took, the
// coarse-grained duration tracking original_source/'s OperationTracker
// provided per call.
type OperationTimer struct {
	start time.Time
}

func StartOperation() OperationTimer { return OperationTimer{start: time.Now()} }

func (t OperationTimer) Elapsed() time.Duration { return time.Since(t.start) }
