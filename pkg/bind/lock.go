package bind

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/yago-123/dapn/pkg/peer"
)

// keyedLock serializes work per identity. Waiting for the lock honours context cancellation
type keyedLock struct {
	mu    sync.Mutex
	locks map[peer.Identity]*refSemaphore
}

type refSemaphore struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{
		locks: make(map[peer.Identity]*refSemaphore),
	}
}

// acquire blocks until the lock for id is held or ctx is done. The returned func releases it
func (k *keyedLock) acquire(ctx context.Context, id peer.Identity) (func(), error) {
	k.mu.Lock()
	s, ok := k.locks[id]
	if !ok {
		s = &refSemaphore{sem: semaphore.NewWeighted(1)}
		k.locks[id] = s
	}
	s.refs++
	k.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		k.unref(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			k.unref(id)
		})
	}, nil
}

func (k *keyedLock) unref(id peer.Identity) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := k.locks[id]
	s.refs--
	if s.refs == 0 {
		delete(k.locks, id)
	}
}
