// Package retry provides the single backoff/retry utility shared by the
// NNTP transport, upload engine, and download engine, grounded on the
// pacer rclone's backend/sftp.go calls via f.pacer.Call around dial and
// per-operation retries.
package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

// Policy configures exponential backoff bounds for one call site.
// Two named presets cover the spec's two documented schedules:
// transport (1s,2s,4s,8s,16s capped) and store reads (50ms, then 100ms,
// under a 200ms cap).
type Policy struct {
	MinSleep   time.Duration
	MaxSleep   time.Duration
	MaxRetries int
	// IsTransient decides whether an error is worth retrying. Defaults
	// to usenetsyncerr.IsTransient when nil.
	IsTransient func(error) bool
}

var TransportPolicy = Policy{
	MinSleep:   time.Second,
	MaxSleep:   16 * time.Second,
	MaxRetries: 5,
}

var StoreReadPolicy = Policy{
	MinSleep:   50 * time.Millisecond,
	MaxSleep:   200 * time.Millisecond,
	MaxRetries: 2,
}

// Pacer runs a call under a Policy, doubling the sleep interval between
// attempts up to MaxSleep, honoring ctx cancellation between attempts.
type Pacer struct {
	policy Policy
	log    *logrus.Entry
}

func New(policy Policy, log *logrus.Entry) *Pacer {
	if policy.IsTransient == nil {
		policy.IsTransient = usenetsyncerr.IsTransient
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pacer{policy: policy, log: log}
}

// Call invokes fn, retrying on transient errors per the pacer's policy.
// It returns the last error once MaxRetries is exhausted or ctx is done.
func (p *Pacer) Call(ctx context.Context, op string, fn func() error) error {
	sleep := p.policy.MinSleep
	var lastErr error
	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return usenetsyncerr.New(usenetsyncerr.Cancelled, op, err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !p.policy.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.policy.MaxRetries {
			break
		}
		p.log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"sleep":   sleep,
		}).Debug("retrying after transient error")
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return usenetsyncerr.New(usenetsyncerr.Cancelled, op, ctx.Err())
		}
		sleep *= 2
		if sleep > p.policy.MaxSleep {
			sleep = p.policy.MaxSleep
		}
	}
	return lastErr
}
