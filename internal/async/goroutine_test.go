package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Error(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recordingLogger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestCallConvertsPanic(t *testing.T) {
	logger := &recordingLogger{}
	err := Call(logger, "expiry", func() { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}
	if logger.count() != 1 {
		t.Fatalf("expected one log line, got %d", logger.count())
	}
}

func TestCallReturnsNilWithoutPanic(t *testing.T) {
	ran := false
	if err := Call(nil, "noop", func() { ran = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected callback to run")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	var wg sync.WaitGroup
	wg.Add(1)
	Go(logger, "worker", func() {
		defer wg.Done()
		panic("bad")
	})
	wg.Wait()
	// Recover runs after wg.Done in the deferred chain; poll briefly.
	for i := 0; i < 1000 && logger.count() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if logger.count() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}
