package download

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFillUnblocksBytes(t *testing.T) {
	s := newSegment("seg-1")
	done := make(chan struct{})
	var got []byte
	var err error
	go func() {
		got, err = s.Bytes()
		close(done)
	}()

	s.Fill([]byte("payload"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Bytes did not unblock after Fill")
	}
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSegmentFailWithUnblocksBytesWithError(t *testing.T) {
	s := newSegment("seg-2")
	want := errors.New("fetch failed")
	s.FailWith(want)

	_, err := s.Bytes()
	assert.Equal(t, want, err)
}

func TestSegmentCloseWithoutFillReturnsUnexpectedEOF(t *testing.T) {
	s := newSegment("seg-3")
	s.Close()

	_, err := s.Bytes()
	assert.Error(t, err)
}

func TestSegmentFillAfterCloseIsNoOp(t *testing.T) {
	s := newSegment("seg-4")
	s.Close()
	s.Fill([]byte("too late"))

	_, err := s.Bytes()
	assert.Error(t, err)
}
