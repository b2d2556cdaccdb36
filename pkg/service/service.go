// Package service runs the engine's long-lived components (runner, API)
// with a shared lifecycle: bounded initialisation, signal-aware execution
// and graceful shutdown.
package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/everflow-crm/everflow/pkg/logger"
)

var (
	defaultTimeout = 30 * time.Second

	ErrPreTimeout = fmt.Errorf("service did not pre-up within the given timeout")
)

// Service is a long-running component.  Start drives the lifecycle: Pre
// initialises under a timeout, Run blocks until the context is cancelled or
// a termination signal arrives, and Stop tears down gracefully.
type Service interface {
	Name() string
	// Pre initialises the service, returning an error if it cannot run.
	Pre(ctx context.Context) error
	// Run blocks until the given context is cancelled.
	Run(ctx context.Context) error
	// Stop gracefully shuts the service down.
	Stop(ctx context.Context) error
}

// StartTimeouter overrides the Pre timeout for a service.
type StartTimeouter interface {
	Service
	StartTimeout() time.Duration
}

// StopTimeouter overrides the Stop timeout for a service.
type StopTimeouter interface {
	Service
	StopTimeout() time.Duration
}

type wgKey struct{}

// GetWaitgroup returns the waitgroup stored in a running service's context.
// Ephemeral goroutines add themselves here to delay shutdown until they
// finish.
func GetWaitgroup(ctx context.Context) *sync.WaitGroup {
	if wg, ok := ctx.Value(wgKey{}).(*sync.WaitGroup); ok {
		return wg
	}
	return &sync.WaitGroup{}
}

// StartAll runs every service concurrently.  The first service to stop,
// cleanly or not, stops the rest.
func StartAll(ctx context.Context, all ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := &errgroup.Group{}
	for _, svc := range all {
		svc := svc
		eg.Go(func() error {
			err := Start(ctx, svc)
			cancel()
			if err != nil && err != context.Canceled {
				return fmt.Errorf("service %s errored: %w", svc.Name(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Start runs a single service through its full lifecycle, blocking until
// Run returns, the context is cancelled or a SIGINT/SIGTERM arrives.
func Start(ctx context.Context, s Service) error {
	l := logger.From(ctx).With("caller", s.Name())
	ctx = logger.With(ctx, l)

	if err := pre(ctx, s); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	// Ephemeral goroutines register here to hold shutdown open.
	wg := &sync.WaitGroup{}
	runCtx = context.WithValue(runCtx, wgKey{}, wg)

	runErr := make(chan error, 1)
	l.Info("service starting")
	go func() {
		runErr <- s.Run(runCtx)
		stopRun()
	}()

	var err error
	select {
	case sig := <-sigs:
		l.Info("received signal", "signal", sig.String())
		stopRun()
	case err = <-runErr:
		if err != nil {
			l.Error("service errored", "error", err)
		} else {
			l.Warn("service run stopped")
		}
	case <-runCtx.Done():
		l.Warn("service run stopped")
	}

	if stopErr := shutdown(s, wg, l); stopErr != nil {
		err = multierror.Append(err, stopErr)
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// pre runs the service's Pre hook under its start timeout.
func pre(ctx context.Context, s Service) error {
	timeout := defaultTimeout
	if t, ok := s.(StartTimeouter); ok {
		timeout = t.StartTimeout()
	}

	done := make(chan error, 1)
	go func() { done <- s.Pre(ctx) }()
	select {
	case <-time.After(timeout):
		return ErrPreTimeout
	case err := <-done:
		return err
	}
}

// shutdown calls Stop with a fresh context and waits for the service's
// waitgroup to drain, bounded by the stop timeout.
func shutdown(s Service, wg *sync.WaitGroup, l logger.Logger) error {
	timeout := defaultTimeout
	if t, ok := s.(StopTimeouter); ok {
		timeout = t.StopTimeout()
	}

	done := make(chan error, 1)
	go func() {
		l.Info("service cleaning up")
		if err := s.Stop(context.Background()); err != nil && err != context.Canceled {
			done <- err
			return
		}
		wg.Wait()
		done <- nil
	}()

	select {
	case <-time.After(timeout):
		l.Error("service did not clean up within timeout")
		return nil
	case err := <-done:
		return err
	}
}
