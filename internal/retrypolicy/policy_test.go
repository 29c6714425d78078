package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&FloodWaitError{Seconds: 5}, KindFloodWait},
		{fmt.Errorf("wrap: %w", ErrFileReferenceExpired), KindFileReferenceExpired},
		{errors.New("PEER_ID_INVALID"), KindPeerInvalid},
		{errors.New("connection reset by peer"), KindConnectionLost},
		{errors.New("something else entirely"), KindUnknown},
		{context.Canceled, KindCancelled},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err))
	}
}

func TestRetryableSet(t *testing.T) {
	assert.True(t, Retryable(KindConnectionLost))
	assert.True(t, Retryable(KindFileReferenceExpired))
	assert.True(t, Retryable(KindFloodWait))
	assert.True(t, Retryable(KindUnknown))
	assert.False(t, Retryable(KindPeerInvalid))
	assert.False(t, Retryable(KindIntegrityError))
}

func TestDelayFloodWaitAddsSafetyMargin(t *testing.T) {
	d := Delay(KindFloodWait, 0, time.Second, 5)
	assert.GreaterOrEqual(t, d, 8*time.Second) // 5 + 1 + 2
	assert.LessOrEqual(t, d, 10*time.Second)   // 5 + 3 + 2
}

func TestDelayExponentialCapped(t *testing.T) {
	d := Delay(KindConnectionLost, 10, time.Second, 0)
	assert.Equal(t, maxBackoff, d)
}

func TestAttemptRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Attempt(context.Background(), 5, time.Millisecond, nil, nil, func() error {
		calls++
		if calls < 3 {
			return ErrConnectionLost
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestAttemptTerminalErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := Attempt(context.Background(), 5, time.Millisecond, nil, nil, func() error {
		calls++
		return ErrPeerInvalid
	})
	assert.ErrorIs(t, err, ErrPeerInvalid)
	assert.Equal(t, 1, calls)
}

func TestAttemptFloodWaitInvokesCallback(t *testing.T) {
	var seen int
	calls := 0
	err := Attempt(context.Background(), 2, time.Millisecond, func(seconds int) {
		seen = seconds
	}, nil, func() error {
		calls++
		if calls == 1 {
			return &FloodWaitError{Seconds: 1}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestAttemptCancellationInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Attempt(ctx, 10, time.Minute, nil, nil, func() error {
		return ErrConnectionLost
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestAttemptRefetchCalledOnFileReferenceExpired(t *testing.T) {
	refetched := false
	calls := 0
	err := Attempt(context.Background(), 3, time.Millisecond, nil, func() error {
		refetched = true
		return nil
	}, func() error {
		calls++
		if calls == 1 {
			return ErrFileReferenceExpired
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, refetched)
}
