package supervisor

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *lineSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func waitExit(t *testing.T, h *Handle) ExitStatus {
	t.Helper()
	select {
	case status := <-h.Exit():
		return status
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for process exit")
		return ExitStatus{}
	}
}

func TestStartCapturesStdoutAndExitCode(t *testing.T) {
	var out lineSink
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{Command: "echo hello", Stdout: out.add})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	status := waitExit(t, h)
	if status.Code != 0 {
		t.Fatalf("expected exit code 0, got %d", status.Code)
	}
	lines := out.all()
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("unexpected stdout lines: %v", lines)
	}
}

func TestStartSeparatesStreams(t *testing.T) {
	var out, errs lineSink
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{
		Command: "echo to-stdout; echo to-stderr 1>&2",
		Stdout:  out.add,
		Stderr:  errs.add,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitExit(t, h)

	if lines := out.all(); len(lines) != 1 || lines[0] != "to-stdout" {
		t.Fatalf("unexpected stdout lines: %v", lines)
	}
	if lines := errs.all(); len(lines) != 1 || lines[0] != "to-stderr" {
		t.Fatalf("unexpected stderr lines: %v", lines)
	}
}

func TestStartPreservesLineOrder(t *testing.T) {
	var out lineSink
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{
		Command: "for i in 1 2 3 4 5 6 7 8 9 10; do echo line-$i; done",
		Stdout:  out.add,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitExit(t, h)

	lines := out.all()
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d: %v", len(lines), lines)
	}
	for i, line := range lines {
		if want := fmt.Sprintf("line-%d", i+1); line != want {
			t.Fatalf("line %d: got %q, want %q", i, line, want)
		}
	}
}

func TestStartForwardsOversizedLinesInSegments(t *testing.T) {
	var out lineSink
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{
		Command: `awk 'BEGIN { for (i = 0; i < 200000; i++) printf "x"; print ""; print "tail-line" }'`,
		Stdout:  out.add,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// An output line far beyond the segment size must not stall the
	// pump; exit still has to be observed.
	status := waitExit(t, h)
	if status.Code != 0 {
		t.Fatalf("expected clean exit, got %+v", status)
	}

	lines := out.all()
	if len(lines) < 2 {
		t.Fatalf("expected segments plus the trailing line, got %d lines", len(lines))
	}
	if last := lines[len(lines)-1]; last != "tail-line" {
		t.Fatalf("expected trailing line after the oversized one, got %q", last)
	}
	total := 0
	for _, line := range lines[:len(lines)-1] {
		total += len(line)
	}
	if total != 200000 {
		t.Fatalf("oversized line lost bytes: got %d of 200000", total)
	}
}

func TestStartReportsNonZeroExit(t *testing.T) {
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{Command: "exit 3"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	status := waitExit(t, h)
	if status.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", status.Code)
	}
	if status.Signal != "" {
		t.Fatalf("expected no signal, got %q", status.Signal)
	}
}

func TestStartFailsForMissingWorkdir(t *testing.T) {
	sup := New("/bin/sh", nil)

	if _, err := sup.Start(Spec{Command: "true", Dir: "/definitely/not/a/dir"}); err == nil {
		t.Fatalf("expected spawn error for missing workdir")
	}
}

func TestKillDeliversSignalExitOnce(t *testing.T) {
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{Command: "sleep 30"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.Kill()
	status := waitExit(t, h)
	if status.Signal != "SIGTERM" {
		t.Fatalf("expected SIGTERM exit, got %+v", status)
	}

	// The exit channel closes after the single delivery.
	select {
	case _, open := <-h.Exit():
		if open {
			t.Fatalf("received a second exit notification")
		}
	case <-time.After(time.Second):
		t.Fatalf("exit channel not closed after delivery")
	}
}

func TestKillAfterExitIsNoOp(t *testing.T) {
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{Command: "true"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	status := waitExit(t, h)
	if status.Code != 0 {
		t.Fatalf("expected clean exit, got %+v", status)
	}

	h.Kill()
	h.Kill()
}

func TestExitDeliveredAfterStreamsDrain(t *testing.T) {
	var out lineSink
	sup := New("/bin/sh", nil)

	h, err := sup.Start(Spec{
		Command: "for i in 1 2 3; do echo tick-$i; done",
		Stdout:  out.add,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitExit(t, h)

	// Exit is reported only after both pipes are fully drained, so all
	// lines must be visible by now.
	if lines := out.all(); len(lines) != 3 {
		t.Fatalf("expected all output before exit, got %v", lines)
	}
}
