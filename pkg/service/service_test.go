package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fake struct {
	name string
	pre  func(ctx context.Context) error
	run  func(ctx context.Context) error
	stop func(ctx context.Context) error

	startTimeout time.Duration
}

func (f fake) Name() string {
	if f.name != "" {
		return f.name
	}
	return "fake"
}

func (f fake) Pre(ctx context.Context) error  { return f.pre(ctx) }
func (f fake) Run(ctx context.Context) error  { return f.run(ctx) }
func (f fake) Stop(ctx context.Context) error { return f.stop(ctx) }

func (f fake) StartTimeout() time.Duration {
	if f.startTimeout != 0 {
		return f.startTimeout
	}
	return defaultTimeout
}

func noop(ctx context.Context) error { return nil }

func TestStartRunsUntilRunReturns(t *testing.T) {
	f := fake{
		pre:  noop,
		run:  func(ctx context.Context) error { <-time.After(500 * time.Millisecond); return nil },
		stop: noop,
	}
	now := time.Now()
	require.NoError(t, Start(context.Background(), f))
	require.WithinDuration(t, time.Now(), now.Add(500*time.Millisecond), 10*time.Millisecond)
}

func TestSignalsStopTheService(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		f := fake{
			pre:  noop,
			run:  func(ctx context.Context) error { <-time.After(time.Hour); return nil },
			stop: noop,
		}

		wg := sync.WaitGroup{}
		wg.Add(1)
		now := time.Now()
		go func() {
			require.NoError(t, Start(context.Background(), f))
			wg.Done()
		}()

		<-time.After(50 * time.Millisecond)
		require.NoError(t, syscall.Kill(syscall.Getpid(), sig))

		wg.Wait()
		require.WithinDuration(t, time.Now(), now.Add(50*time.Millisecond), 5*time.Millisecond)
	}
}

func TestPreErrorAbortsStart(t *testing.T) {
	f := fake{
		pre:  func(ctx context.Context) error { return fmt.Errorf("pre error") },
		run:  noop,
		stop: noop,
	}
	err := Start(context.Background(), f)
	require.ErrorContains(t, err, "pre error")
}

func TestPreTimeout(t *testing.T) {
	f := fake{
		pre:          func(ctx context.Context) error { <-time.After(time.Second); return nil },
		run:          noop,
		stop:         noop,
		startTimeout: time.Millisecond,
	}
	err := Start(context.Background(), f)
	require.ErrorContains(t, err, ErrPreTimeout.Error())
}

func TestStartAllRunsEveryService(t *testing.T) {
	var invocations int32
	f := fake{
		pre: noop,
		run: func(ctx context.Context) error {
			atomic.AddInt32(&invocations, 1)
			<-time.After(500 * time.Millisecond)
			return nil
		},
		stop: noop,
	}
	require.NoError(t, StartAll(context.Background(), f, f, f))
	require.Equal(t, int32(3), atomic.LoadInt32(&invocations))
}

func TestOneFailureStopsAll(t *testing.T) {
	var invocations int32
	var stops int32
	f := fake{
		pre: noop,
		run: func(ctx context.Context) error {
			if atomic.AddInt32(&invocations, 1) == 1 {
				<-time.After(500 * time.Millisecond)
				return fmt.Errorf("boo")
			}
			<-time.After(time.Minute)
			return nil
		},
		stop: func(ctx context.Context) error {
			atomic.AddInt32(&stops, 1)
			return nil
		},
	}
	err := StartAll(context.Background(), f, f, f)
	require.ErrorContains(t, err, "boo")
	require.Equal(t, int32(3), atomic.LoadInt32(&invocations))
	require.Equal(t, int32(3), atomic.LoadInt32(&stops))
}
