package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bcnelson/persistence-stack/internal/affinity"
	"github.com/bcnelson/persistence-stack/internal/domain"
)

// Saver is a stack that can be saved on its own execution unit.
type Saver interface {
	ID() string
	Save(ctx context.Context) error
	Unit() (*affinity.Unit, bool)
}

// AutoSaveService saves a stack some time after its last change.
type AutoSaveService struct {
	target   Saver
	debounce time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	saveTimer   *time.Timer
	savePending bool
	stopped     bool
}

// NewAutoSaveService creates a new AutoSaveService.
func NewAutoSaveService(target Saver, debounce time.Duration, logger *slog.Logger) *AutoSaveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoSaveService{
		target:   target,
		debounce: debounce,
		logger:   logger,
	}
}

// TriggerSave schedules a debounced save.
// Multiple triggers within the debounce period will result in a single save.
func (s *AutoSaveService) TriggerSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	// Cancel existing timer
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}

	s.savePending = true
	s.saveTimer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.savePending = false
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.dispatch(context.Background())
	})
}

// Pending reports whether a debounced save is scheduled.
func (s *AutoSaveService) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePending
}

// ForceSave cancels any pending debounced save and saves now, waiting for
// the result.
func (s *AutoSaveService) ForceSave(ctx context.Context) error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = false
	s.mu.Unlock()

	u, ok := s.target.Unit()
	if !ok {
		return s.target.Save(ctx)
	}
	return u.Run(ctx, s.target.Save)
}

// Stop cancels any pending save; later triggers are ignored.
func (s *AutoSaveService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = false
	s.stopped = true
}

// dispatch posts the save to the target's unit.
func (s *AutoSaveService) dispatch(ctx context.Context) {
	u, ok := s.target.Unit()
	if !ok {
		s.logger.Warn("auto-save skipped: stack is not bound to an execution unit",
			slog.String("stack_id", s.target.ID()))
		return
	}

	err := u.Submit(ctx, func(ctx context.Context) {
		if err := s.target.Save(ctx); err != nil && !errors.Is(err, domain.ErrStackClosed) {
			s.logger.ErrorContext(ctx, "auto-save failed",
				slog.String("stack_id", s.target.ID()),
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		s.logger.Warn("auto-save skipped",
			slog.String("stack_id", s.target.ID()),
			slog.Any("error", err),
		)
	}
}
