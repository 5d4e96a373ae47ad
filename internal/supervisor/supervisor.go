// Package supervisor is the in-process implementation of the worker
// lifecycle capability the autoscaler drives through three operations:
// list, start, stop. It never decides how many workers should run — that
// policy lives in internal/autoscaler — it only carries out instructions
// and reports what is currently running.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WorkerFunc is one running instance's body. It must return promptly when
// ctx is cancelled; the supervisor does not force-kill goroutines.
type WorkerFunc func(ctx context.Context, instanceID string) error

type instance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor tracks running goroutine-backed worker instances per role
// (e.g. "ingestor", "catalog_writer", "forwarder"). Each role is registered
// once at startup with the function that runs one instance; after that the
// autoscaler only ever calls StartInstance/StopInstance/ListInstances.
type Supervisor struct {
	mu        sync.RWMutex
	factories map[string]WorkerFunc
	instances map[string]map[string]*instance
	log       *zap.Logger
}

// New returns an empty Supervisor. Register roles with Register before
// calling StartInstance for that role.
func New(log *zap.Logger) *Supervisor {
	return &Supervisor{
		factories: make(map[string]WorkerFunc),
		instances: make(map[string]map[string]*instance),
		log:       log,
	}
}

// Register associates a role name with the function that runs one instance
// of it. Must be called before any Start/ListInstances call for that role.
func (s *Supervisor) Register(role string, fn WorkerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[role] = fn
	if s.instances[role] == nil {
		s.instances[role] = make(map[string]*instance)
	}
}

// ListInstances reports the number of currently running instances of role.
func (s *Supervisor) ListInstances(role string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances[role])
}

// StartInstance launches one more instance of role under a context derived
// from parent, tracked under instanceID. Starting an already-running
// instanceID is a no-op.
func (s *Supervisor) StartInstance(parent context.Context, role, instanceID string) error {
	s.mu.Lock()
	fn, ok := s.factories[role]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no worker factory registered for role %q", role)
	}
	if s.instances[role] == nil {
		s.instances[role] = make(map[string]*instance)
	}
	if _, running := s.instances[role][instanceID]; running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	inst := &instance{cancel: cancel, done: make(chan struct{})}
	s.instances[role][instanceID] = inst
	s.mu.Unlock()

	go func() {
		defer close(inst.done)
		if err := fn(ctx, instanceID); err != nil && ctx.Err() == nil {
			s.log.Error("worker instance exited with error",
				zap.String("role", role), zap.String("instance_id", instanceID), zap.Error(err))
		}
		s.mu.Lock()
		delete(s.instances[role], instanceID)
		s.mu.Unlock()
	}()

	s.log.Info("worker instance started", zap.String("role", role), zap.String("instance_id", instanceID))
	return nil
}

// StopInstance cancels instanceID's context and waits for it to exit.
// Stopping an unknown instanceID is a no-op.
func (s *Supervisor) StopInstance(role, instanceID string) error {
	s.mu.RLock()
	inst, ok := s.instances[role][instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	inst.cancel()
	<-inst.done
	s.log.Info("worker instance stopped", zap.String("role", role), zap.String("instance_id", instanceID))
	return nil
}

// StopAll cancels every running instance across every role and waits for
// them to exit, used during process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	var all []*instance
	for _, byID := range s.instances {
		for _, inst := range byID {
			all = append(all, inst)
		}
	}
	s.mu.RUnlock()

	for _, inst := range all {
		inst.cancel()
	}
	for _, inst := range all {
		<-inst.done
	}
}
