package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "engine.pid")
	p := New(path)

	if err := p.Acquire(); err != nil {
		t.Fatal(err)
	}
	pid, err := p.Read()
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("recorded pid = %d, want %d", pid, os.Getpid())
	}

	// reacquiring our own pidfile is fine
	if err := p.Acquire(); err != nil {
		t.Errorf("reacquire by owner failed: %v", err)
	}

	if err := p.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Read(); err == nil {
		t.Error("pidfile still readable after release")
	}
	// releasing twice is harmless
	if err := p.Release(); err != nil {
		t.Errorf("second release failed: %v", err)
	}
}

func TestAcquireReplacesStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.pid")

	// no process should have this pid
	if err := os.WriteFile(path, []byte("999999999"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(path)
	if err := p.Acquire(); err != nil {
		t.Fatalf("stale pidfile not replaced: %v", err)
	}
	pid, err := p.Read()
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.pid")

	// pid 1 is always alive
	if err := os.WriteFile(path, []byte(strconv.Itoa(1)), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(path)
	if err := p.Acquire(); err == nil {
		t.Error("acquire succeeded against a live process")
	}
}
