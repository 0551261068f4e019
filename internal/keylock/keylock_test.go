package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/keystone/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_LockLifecycle(t *testing.T) {
	m := New()
	ctx := context.Background()
	count := 10000

	for i := 0; i < count; i++ {
		key := fmt.Sprintf("Trivial(%d)", i)
		_ = m.WithLock(ctx, []string{key}, func(context.Context) error { return nil })
	}

	lockCount := m.Len()
	t.Logf("Keys locked: %d, Locks Leaked: %d", count, lockCount)

	if lockCount != 0 {
		t.Errorf("Memory Leak Detected: %d locks remaining in memory after release", lockCount)
	}
}

func TestMap_OverlappingSetsSerialize(t *testing.T) {
	m := New()
	ctx := context.Background()

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		keys := []string{"a", "b"}
		if i%2 == 0 {
			keys = []string{"b", "a", "a"}
		}
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, keys, func(context.Context) error {
				if atomic.AddInt32(&inside, 1) != 1 {
					return errors.New("two holders at once")
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
	failOn   string
}

func (l *recordingLocker) Lock(_ context.Context, key string, _ time.Duration) (ports.UnlockFunc, error) {
	if key == l.failOn {
		return nil, errors.New("busy")
	}
	l.mu.Lock()
	l.locked = append(l.locked, key)
	l.mu.Unlock()
	return func(context.Context) error {
		l.mu.Lock()
		l.unlocked = append(l.unlocked, key)
		l.mu.Unlock()
		return nil
	}, nil
}

func TestMap_DistributedLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("Locks In Sorted Order", func(t *testing.T) {
		locker := &recordingLocker{}
		m := New(WithLocker(locker))
		unlock, err := m.Lock(ctx, "c", "a", "b")
		require.NoError(t, err)
		unlock()

		assert.Equal(t, []string{"a", "b", "c"}, locker.locked)
		assert.Equal(t, []string{"c", "b", "a"}, locker.unlocked)
	})

	t.Run("Failure Releases Held Keys", func(t *testing.T) {
		locker := &recordingLocker{failOn: "b"}
		m := New(WithLocker(locker))
		_, err := m.Lock(ctx, "a", "b")
		require.Error(t, err)

		assert.Equal(t, []string{"a"}, locker.unlocked)
		assert.Equal(t, 0, m.Len())
	})
}
