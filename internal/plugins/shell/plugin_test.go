package shell

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func run(t *testing.T, b *Bash, args any) (string, error) {
	t.Helper()
	data, _ := json.Marshal(args)
	res, err := b.Execute(context.Background(), data, nil)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func TestBashExecuteSimple(t *testing.T) {
	result, err := run(t, NewBash(Settings{}), map[string]string{"command": "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result) != "hello" {
		t.Errorf("expected 'hello', got %q", result)
	}
}

func TestBashExecuteStderr(t *testing.T) {
	result, err := run(t, NewBash(Settings{}), map[string]string{"command": "echo err >&2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "err") {
		t.Errorf("expected stderr output, got %q", result)
	}
}

func TestBashWorkingDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	result, err := run(t, NewBash(Settings{WorkingDir: dir}), map[string]string{"command": "pwd -P"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result) != dir {
		t.Errorf("expected %s, got %q", dir, result)
	}
}

func TestBashExecuteTimeout(t *testing.T) {
	start := time.Now()
	_, err := run(t, NewBash(Settings{}), map[string]any{"command": "sleep 10", "timeout_seconds": 1})
	elapsed := time.Since(start)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestBashExecuteExitCode(t *testing.T) {
	_, err := run(t, NewBash(Settings{}), map[string]string{"command": "echo oops; exit 3"})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Errorf("expected output in error, got %v", err)
	}
}

func TestBashTruncatesOutput(t *testing.T) {
	result, err := run(t, NewBash(Settings{MaxOutputChars: 10}), map[string]string{"command": "printf '%0.sa' $(seq 1 50)"})
	if err != nil {
		t.Fatal(err)
	}
	if result != strings.Repeat("a", 10)+"\n\n[Output truncated]" {
		t.Errorf("unexpected truncated output %q", result)
	}
}
