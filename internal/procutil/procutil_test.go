package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestPIDAliveSelf(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("own pid should be alive")
	}
}

func TestPIDAliveRejectsNonPositive(t *testing.T) {
	if PIDAlive(0) || PIDAlive(-5) {
		t.Fatal("non-positive pids are never alive")
	}
}

func TestPIDAliveExitedChild(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	// Reaped child must not report alive.
	deadline := time.Now().Add(2 * time.Second)
	for PIDAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("pid %d still reported alive after reap", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
