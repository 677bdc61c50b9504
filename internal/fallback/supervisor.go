package fallback

import (
	"context"
	"sync"
)

// Supervisor owns the coordinator's background loops. Each task is
// keyed; starting a key that is already running is a no-op, so the
// monitor and listener loops cannot be doubled up.
type Supervisor struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewSupervisor() *Supervisor {
	return &Supervisor{cancels: make(map[string]context.CancelFunc)}
}

// Start runs fn in a goroutine under the given key. Returns false when
// a task with that key is already running.
func (s *Supervisor) Start(ctx context.Context, key string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if _, running := s.cancels[key]; running {
		s.mu.Unlock()
		return false
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.cancels[key] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, key)
			s.mu.Unlock()
			s.wg.Done()
		}()
		fn(taskCtx)
	}()
	return true
}

// Stop cancels the task under key if one is running.
func (s *Supervisor) Stop(key string) {
	s.mu.Lock()
	cancel, ok := s.cancels[key]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a task with the key is active.
func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[key]
	return ok
}

// StopAll cancels every task and waits for all of them to return.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
