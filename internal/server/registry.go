package server

import (
	"context"
	"sync"

	"github.com/MrWong99/whisperstream/internal/session"
)

// registry tracks live sessions so they can be drained on shutdown. All
// methods are safe for concurrent use.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Controller
	draining bool
	wg       sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session.Controller)}
}

// add registers c. It returns false once draining has started.
func (r *registry) add(c *session.Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.sessions[c.ID()] = c
	r.wg.Add(1)
	return true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// drain stops accepting sessions, asks every live one to finish, and waits
// until they have all been removed or ctx expires.
func (r *registry) drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	for _, c := range r.sessions {
		c.Drain()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
