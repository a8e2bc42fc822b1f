package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Satvik374/bot-deployer/internal/domain"
)

// Process is the slice of a supervisor handle the store tracks for a
// running deployment.
type Process interface {
	Kill()
	Pid() int
}

// record pairs a deployment with its live process handle. gen increases
// every time the handle is attached or detached, so an exit notification
// carrying an older generation can be recognised as stale.
type record struct {
	dep  domain.Deployment
	proc Process
	gen  uint64
}

// Store is the in-memory deployment registry. Every mutation runs under
// the store mutex, which linearises state and handle updates per id. The
// mutex only ever guards map and record access, never process work.
type Store struct {
	mu          sync.RWMutex
	deployments map[string]*record
}

// New returns an empty Store.
func New() *Store {
	return &Store{deployments: make(map[string]*record)}
}

// Create inserts dep in state cloning and returns the stored copy. A
// fresh UUID is assigned when dep.ID is empty. Ids are never reused.
func (s *Store) Create(dep domain.Deployment) domain.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	dep.State = domain.StateCloning
	dep.CreatedAt = now
	dep.UpdatedAt = now
	s.deployments[dep.ID] = &record{dep: copyDeployment(dep)}
	return dep
}

// Get returns a copy of the deployment or ErrNotFound.
func (s *Store) Get(id string) (domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deployments[id]
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	return copyDeployment(rec.dep), nil
}

// List returns a snapshot of deployment summaries, newest first.
func (s *Store) List() []domain.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Summary, 0, len(s.deployments))
	for _, rec := range s.deployments {
		out = append(out, domain.Summary{
			ID:       rec.dep.ID,
			RepoName: rec.dep.RepoName,
			RepoURL:  rec.dep.RepoURL,
			State:    rec.dep.State,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.deployments[out[i].ID], s.deployments[out[j].ID]
		if a.dep.CreatedAt.Equal(b.dep.CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return a.dep.CreatedAt.After(b.dep.CreatedAt)
	})
	return out
}

// SetState moves the deployment along a legal lifecycle edge and returns
// the updated copy.
func (s *Store) SetState(id string, next domain.State) (domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deployments[id]
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	if !rec.dep.State.CanTransition(next) {
		return domain.Deployment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.dep.State, next)
	}
	rec.dep.State = next
	rec.dep.UpdatedAt = time.Now().UTC()
	return copyDeployment(rec.dep), nil
}

// SetRunEnv stores the resolved run environment so restarts reuse the
// exact variables, injected port included.
func (s *Store) SetRunEnv(id string, env []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deployments[id]
	if !ok {
		return ErrNotFound
	}
	rec.dep.RunEnv = append([]string(nil), env...)
	rec.dep.UpdatedAt = time.Now().UTC()
	return nil
}

// AttachRunning marks the deployment running and hands it the process
// in one step, so a concurrent stop cannot slip between the state
// update and the attachment. A record owns at most one live process:
// any process it still held is returned and the caller must kill it.
func (s *Store) AttachRunning(id string, p Process) (uint64, Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deployments[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	if !rec.dep.State.CanTransition(domain.StateRunning) {
		return 0, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.dep.State, domain.StateRunning)
	}
	displaced := rec.proc
	rec.dep.State = domain.StateRunning
	rec.dep.UpdatedAt = time.Now().UTC()
	rec.gen++
	rec.proc = p
	return rec.gen, displaced, nil
}

// Detach removes and returns the record's live process handle, if any.
// The generation is bumped either way, so exit notifications for the
// previous attachment become stale.
func (s *Store) Detach(id string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	proc := rec.proc
	rec.proc = nil
	rec.gen++
	return proc, nil
}

// ReleaseIfCurrent clears the handle and applies the state transition
// only when gen still identifies the record's current attachment. It
// reports whether the release happened; stale generations are ignored
// so a superseded process exit can never downgrade a newer attachment.
func (s *Store) ReleaseIfCurrent(id string, gen uint64, next domain.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deployments[id]
	if !ok || rec.gen != gen {
		return false
	}
	if !rec.dep.State.CanTransition(next) {
		return false
	}
	rec.proc = nil
	rec.gen++
	rec.dep.State = next
	rec.dep.UpdatedAt = time.Now().UTC()
	return true
}

func copyDeployment(dep domain.Deployment) domain.Deployment {
	out := dep
	if dep.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(dep.EnvVars))
		for k, v := range dep.EnvVars {
			out.EnvVars[k] = v
		}
	}
	out.RunEnv = append([]string(nil), dep.RunEnv...)
	return out
}
