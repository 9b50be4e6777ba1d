//go:build !windows

package cli

import (
	"os/exec"
	"testing"
	"time"

	"github.com/gbmerrall/localhttps/internal/pidfile"
	"github.com/gbmerrall/localhttps/internal/store"
)

func TestStopTerminatesRunningProxy(t *testing.T) {
	env := newTestEnv(t)

	proc := exec.Command("sleep", "30")
	if err := proc.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		proc.Wait()
		close(exited)
	}()
	t.Cleanup(func() { proc.Process.Kill() })

	s := store.New(env.home)
	if err := s.WritePID(pidfile.State{PID: proc.Process.Pid, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	env.mustRun("stop")
	if env.stdout.String() != "Stopped proxy.\n" {
		t.Errorf("unexpected output %q", env.stdout.String())
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after stop")
	}
	if _, ok := s.ReadPID(); ok {
		t.Error("marker should have been cleared")
	}
}
