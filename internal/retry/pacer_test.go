package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

func TestPacerRetriesTransientThenSucceeds(t *testing.T) {
	p := New(Policy{MinSleep: time.Millisecond, MaxSleep: 2 * time.Millisecond, MaxRetries: 3}, nil)

	attempts := 0
	err := p.Call(context.Background(), "test.op", func() error {
		attempts++
		if attempts < 3 {
			return usenetsyncerr.New(usenetsyncerr.Transport, "test.op", errors.New("reset by peer"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPacerDoesNotRetryPermanentErrors(t *testing.T) {
	p := New(Policy{MinSleep: time.Millisecond, MaxSleep: time.Millisecond, MaxRetries: 5}, nil)

	attempts := 0
	err := p.Call(context.Background(), "test.op", func() error {
		attempts++
		return usenetsyncerr.New(usenetsyncerr.Denied, "test.op", errors.New("bad password"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, usenetsyncerr.Denied, usenetsyncerr.Of(err))
}

func TestPacerRespectsContextCancellation(t *testing.T) {
	p := New(Policy{MinSleep: 50 * time.Millisecond, MaxSleep: time.Second, MaxRetries: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Call(ctx, "test.op", func() error {
		return usenetsyncerr.New(usenetsyncerr.Transport, "test.op", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, usenetsyncerr.Cancelled, usenetsyncerr.Of(err))
}
