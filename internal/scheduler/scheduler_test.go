package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunInvokesTasks(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	done := make(chan struct{})
	s.Every("count", 5*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 3 {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run three times")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("expected nil on cancel, got %v", err)
	}
}

func TestTaskErrorsAndPanicsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(zap.New(core))

	failed := make(chan struct{}, 1)
	panicked := make(chan struct{}, 1)
	s.Every("fails", 5*time.Millisecond, func(context.Context) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("boom")
	})
	s.Every("panics", 5*time.Millisecond, func(context.Context) error {
		select {
		case panicked <- struct{}{}:
		default:
		}
		panic("bad task")
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	<-failed
	<-panicked
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-errc

	if logs.FilterMessage("scheduled task failed").Len() == 0 {
		t.Error("expected task failure to be logged")
	}
	if logs.FilterMessage("scheduled task panicked").Len() == 0 {
		t.Error("expected task panic to be logged")
	}
}

func TestEveryIgnoresDisabledAndLateTasks(t *testing.T) {
	s := New(nil)
	s.Every("off", 0, func(context.Context) error { return nil })
	s.Every("on", time.Hour, func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	// wait for Run to mark the scheduler started
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.Every("late", time.Hour, func(context.Context) error { return nil })
	cancel()
	<-errc

	got := s.Tasks()
	if len(got) != 1 || got[0] != "on" {
		t.Errorf("expected only [on], got %v", got)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("expected second Run to fail")
	}
}
