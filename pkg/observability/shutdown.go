package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownFunc releases one resource
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs shutdown steps sequentially under one deadline. The HTTP
// server, when given, is always the first step.
type ShutdownManager struct {
	logger  logrus.FieldLogger
	timeout time.Duration

	mu    sync.Mutex
	steps []shutdownStep
}

// NewShutdownManager creates a manager; timeout defaults to 30s
func NewShutdownManager(logger logrus.FieldLogger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	sm := &ShutdownManager{logger: logger.WithField("component", "shutdown"), timeout: timeout}
	if server != nil {
		sm.RegisterShutdownFunc("http server", server.Shutdown)
	}
	return sm
}

// RegisterShutdownFunc appends a step. Register producers before the stores they
// write to.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
	sm.mu.Unlock()
}

// WaitForShutdown blocks until SIGINT or SIGTERM and then calls Shutdown
func (sm *ShutdownManager) WaitForShutdown() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	sm.logger.Info("Termination signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.Shutdown(ctx)
}

// Shutdown runs every step until ctx expires. A failing step does not stop the
// ones after it; all failures are joined.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	steps := append([]shutdownStep(nil), sm.steps...)
	sm.mu.Unlock()

	var errs []error
	for i, step := range steps {
		if ctx.Err() != nil {
			skipped := len(steps) - i
			sm.logger.WithField("skipped", skipped).Warn("Shutdown deadline exceeded")
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded before %s (%d steps skipped)", step.name, skipped))
			break
		}
		began := time.Now()
		err := step.fn(ctx)
		log := sm.logger.WithFields(logrus.Fields{"step": step.name, "duration_ms": time.Since(began).Milliseconds()})
		if err != nil {
			log.WithError(err).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		log.Debug("Shutdown step complete")
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("Shutdown complete")
	return nil
}
