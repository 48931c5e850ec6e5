package controller

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/session"
)

// Supervisor runs sessions in the background, one goroutine per session. A
// launch for a session that is already running is remembered and the
// session is run again once the current run returns, so an answer that
// arrives mid-run is never lost.
type Supervisor struct {
	ctx        context.Context
	controller *Controller
	logger     *logging.Logger

	group   errgroup.Group
	mu      sync.Mutex
	running map[string]bool
	rerun   map[string]bool
}

// NewSupervisor creates a Supervisor whose runs use ctx. It installs itself
// as the controller's launcher.
func NewSupervisor(ctx context.Context, c *Controller, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Supervisor{
		ctx:        ctx,
		controller: c,
		logger:     logger,
		running:    make(map[string]bool),
		rerun:      make(map[string]bool),
	}
	c.SetLauncher(s.Launch)
	return s
}

// Attach launches every session the registry promotes from a queue.
func (s *Supervisor) Attach(r *session.Registry) {
	r.OnPromote(func(promoted *session.Session) {
		s.Launch(promoted.ID)
	})
}

// Launch starts a run for the session unless one is in progress.
func (s *Supervisor) Launch(id string) {
	s.mu.Lock()
	if s.running[id] {
		s.rerun[id] = true
		s.mu.Unlock()
		return
	}
	s.running[id] = true
	s.mu.Unlock()

	s.group.Go(func() error {
		for {
			err := s.controller.Run(s.ctx, id)
			switch {
			case err == nil, errors.Is(err, ErrAlreadyRunning):
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				s.logger.Info("session run stopped", "session_id", id, "error", err)
			default:
				s.logger.Error("session run failed", "session_id", id, "error", err)
			}

			s.mu.Lock()
			if s.rerun[id] && s.ctx.Err() == nil {
				delete(s.rerun, id)
				s.mu.Unlock()
				continue
			}
			delete(s.running, id)
			delete(s.rerun, id)
			s.mu.Unlock()
			return nil
		}
	})
}

// Running reports whether a run is in progress for the session.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// Wait blocks until every launched run has returned.
func (s *Supervisor) Wait() {
	_ = s.group.Wait()
}
