package device

import (
	"os"
	"testing"

	"github.com/kriansa/podman-volume-diskimage/internal/cmdexec"
	"github.com/kriansa/podman-volume-diskimage/internal/log"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	log.Setup(false)
	os.Exit(m.Run())
}

// fakeRunner records commands and answers them through hooks
type fakeRunner struct {
	calls    [][]string
	runFn    func(argv []string) (string, string, error)
	tryRunFn func(argv []string) (string, string)
}

func (f *fakeRunner) Run(argv []string, opts ...cmdexec.Option) (string, string, error) {
	f.calls = append(f.calls, argv)
	if f.runFn != nil {
		return f.runFn(argv)
	}
	return "", "", nil
}

func (f *fakeRunner) TryRun(argv []string, opts ...cmdexec.Option) (string, string) {
	f.calls = append(f.calls, argv)
	if f.tryRunFn != nil {
		return f.tryRunFn(argv)
	}
	return "", ""
}

func equalArgv(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
