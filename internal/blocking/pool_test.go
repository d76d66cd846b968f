package blocking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_DoReturnsResult(t *testing.T) {
	p := NewPool(2)

	v, err := Do(context.Background(), p, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPool_DoReturnsError(t *testing.T) {
	p := NewPool(1)
	boom := errors.New("boom")

	v, err := Do(context.Background(), p, func() (string, error) {
		return "ignored", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, v)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, p.Active())
}

func TestPool_ContextCancelledWhileQueued(t *testing.T) {
	p := NewPool(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Do(ctx, func() error {
		t.Error("queued task must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPool_RecoversPanic(t *testing.T) {
	p := NewPool(1)

	err := p.Do(context.Background(), func() error {
		panic("kaboom")
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// the slot is released after a panic
	require.NoError(t, p.Do(context.Background(), func() error { return nil }))
}

func TestNewPool_MinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewPool(0).Size())
	assert.Equal(t, 3, NewPool(3).Size())
}
