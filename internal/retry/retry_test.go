package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Cap: 4 * time.Millisecond}
}

func TestDo(t *testing.T) {
	denied := errors.New("access denied")
	slow := errors.New("slow down")

	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"first try", 3, 0, nil, 1, nil},
		{"recovers", 5, 2, Transient(slow), 3, nil},
		{"permanent stops", 5, 5, denied, 1, denied},
		{"runs out", 2, 5, Transient(slow), 2, slow},
		{"zero attempts means one", 0, 5, Transient(slow), 1, slow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast(tt.attempts), "put", func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.Same(t, tt.wantErr, err)
			assert.False(t, IsTransient(err))
		})
	}
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fast(10), "list", func() error {
		calls++
		return Transient(errors.New("again"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), fast(3), "get", func() (string, error) {
		calls++
		if calls == 1 {
			return "", Transient(errors.New("flaky"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestBackOffSchedule(t *testing.T) {
	p := Policy{Attempts: 4, Base: time.Second, Cap: 3 * time.Second}
	b := p.backOff(context.Background())
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "three retries after the first attempt")

	p = Policy{Attempts: 10, Base: time.Second, Cap: 3 * time.Second, Jitter: true}
	b = p.backOff(context.Background())
	for n := 0; n < 5; n++ {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 4500*time.Millisecond)
	}
}

func TestBackOffStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, DefaultPolicy().backOff(ctx).NextBackOff())
}

func TestTransientWrapping(t *testing.T) {
	cause := errors.New("503")
	assert.Nil(t, Transient(nil))
	assert.True(t, IsTransient(fmt.Errorf("list: %w", Transient(cause))))
	assert.ErrorIs(t, Transient(cause), cause)
	assert.False(t, IsTransient(cause))
	assert.Equal(t, 1, DefaultPolicy().Once().Attempts)
}
