package sessionexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestProcessExecutorExecSuccess(t *testing.T) {
	e := NewProcessExecutor()
	res, err := e.Exec(context.Background(), "printf hello", "", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.Success || res.Output != "hello" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcessExecutorExecNonZeroExit(t *testing.T) {
	e := NewProcessExecutor()
	res, err := e.Exec(context.Background(), "exit 7", "", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || res.ExitCode != 7 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcessExecutorNoStateBetweenCalls(t *testing.T) {
	e := NewProcessExecutor()
	if _, err := e.Exec(context.Background(), "cd /tmp", "", 0); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	res, err := e.Exec(context.Background(), "pwd", "", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	// Each call is a fresh process, so the cd above has no effect here. The
	// pty ends the line with "\r\n", which is trimmed before comparing.
	if strings.TrimRight(res.Output, "\r\n") == "/tmp" {
		t.Error("ProcessExecutor unexpectedly preserved state across calls")
	}
}

func TestProcessExecutorTimeout(t *testing.T) {
	e := NewProcessExecutor()
	res, err := e.Exec(context.Background(), "sleep 2", "", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || res.Error != "timeout" {
		t.Errorf("unexpected result: %+v", res)
	}
}
