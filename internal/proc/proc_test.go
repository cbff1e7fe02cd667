package proc

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSpawnInvalidWorkDir(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{
		Command: "cat",
		WorkDir: "/nonexistent/dir/for/test",
	})
	if err == nil {
		t.Fatal("expected error for invalid working dir")
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{
		Command: "/definitely/not/a/binary",
	})
	if err == nil {
		h.Teardown(0)
		t.Fatal("expected error for missing executable")
	}
}

func TestWriteLineEchoesThroughCat(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{Command: "cat"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Teardown(10 * time.Millisecond)

	if err := h.WriteLine(`{"type":"system"}`); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(h.Stdout())
	if !scanner.Scan() {
		t.Fatal("no line read back from cat")
	}
	if got := scanner.Text(); got != `{"type":"system"}` {
		t.Errorf("echoed line = %q", got)
	}
}

func TestWriteLineAfterTeardown(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{Command: "cat"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.Teardown(0)

	if err := h.WriteLine("late"); err != ErrStdinClosed {
		t.Errorf("WriteLine after teardown = %v, want ErrStdinClosed", err)
	}
}

func TestTeardownIsIdempotentAndRemovesConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "agent-config.json")
	if err := os.WriteFile(cfg, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Spawn(context.Background(), Spec{Command: "cat", ConfigPath: cfg})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	h.Teardown(0)
	h.Teardown(0) // second call must not panic

	if _, err := os.Stat(cfg); !os.IsNotExist(err) {
		t.Error("config file not removed by teardown")
	}
}

func TestReaderContextCancelledByTeardown(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{Command: "cat"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ctx := h.ReaderContext()
	h.Teardown(0)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("reader context not cancelled by teardown")
	}
}

func TestExitCodeCleanExit(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{Command: "true"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	code, err := h.ExitCode()
	if err != nil || code != 0 {
		t.Errorf("ExitCode = (%d, %v), want (0, nil)", code, err)
	}
}

func TestExitCodeNonZero(t *testing.T) {
	h, err := Spawn(context.Background(), Spec{Command: "false"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	code, err := h.ExitCode()
	if err != nil || code != 1 {
		t.Errorf("ExitCode = (%d, %v), want (1, nil)", code, err)
	}
}
