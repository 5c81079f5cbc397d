// Package tty_test tries to test ttys.
//
// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably, this includes when run with
// "go test" because it redirects tests' standard input/output streams. You can test it by building
// a test binary and running it directly:
//
//	$ go test -c && ./tty.test
package tty_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/justinian/jsix/internal/tty"
)

type testHarness struct {
	*testing.T
}

const timeout = 100 * time.Millisecond

func (testHarness) Context() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	return context.WithTimeoutCause(ctx, timeout, context.DeadlineExceeded)
}

func TestConsoleDecodesQuit(tt *testing.T) {
	t := testHarness{tt}

	ctx, cancel := t.Context()
	defer cancel()

	ctx, console, _ := tty.WithConsole(ctx)

	if err := context.Cause(ctx); errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("error: %s", err)
		t.SkipNow()
	}

	go console.Press('q')

	select {
	case cmd := <-console.Commands():
		if cmd != tty.CommandQuit {
			t.Errorf("Commands() = %v, want CommandQuit", cmd)
		}
	case <-ctx.Done():
		t.Errorf("cause: %s", context.Cause(ctx))
	}
}

func TestConsoleIgnoresUnknownKeys(tt *testing.T) {
	t := testHarness{tt}

	ctx, cancel := t.Context()
	defer cancel()

	ctx, console, _ := tty.WithConsole(ctx)

	if err := context.Cause(ctx); errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("error: %s", err)
		t.SkipNow()
	}

	go console.Press('z')
	go console.Press('p')

	select {
	case cmd := <-console.Commands():
		if cmd != tty.CommandPause {
			t.Errorf("Commands() = %v, want CommandPause", cmd)
		}
	case <-ctx.Done():
		t.Errorf("cause: %s", context.Cause(ctx))
	}
}
