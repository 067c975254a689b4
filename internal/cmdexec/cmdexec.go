// Package cmdexec runs the external tools the plugin depends on (losetup,
// qemu-nbd, kpartx, mount and friends) and normalizes how their failures are
// reported.
package cmdexec

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Option configures a single command invocation
type Option func(*settings)

type settings struct {
	asRoot          bool
	discardWarnings bool
}

// AsRoot runs the command through sudo when the process is not already root
func AsRoot() Option {
	return func(s *settings) {
		s.asRoot = true
	}
}

// DiscardWarnings makes TryRun report an empty error text when the command
// exits zero, even if it wrote to stderr. It has no effect on failed
// commands.
func DiscardWarnings() Option {
	return func(s *settings) {
		s.discardWarnings = true
	}
}

// Runner executes external commands. The two methods differ only in how
// failure surfaces: Run returns an error, TryRun folds everything into an
// error text so callers can decide what a failure even means (some tools,
// like kpartx, exit zero and still fail).
type Runner interface {
	// Run executes argv and returns its stdout and stderr. A spawn failure
	// or non-zero exit returns an error carrying the command line, the exit
	// status and the captured stderr.
	Run(argv []string, opts ...Option) (stdout, stderr string, err error)

	// TryRun executes argv and never fails. When the command cannot be
	// started or exits non-zero, errText carries the error description.
	// When it exits zero, errText carries the stderr output, or "" if
	// DiscardWarnings was given.
	TryRun(argv []string, opts ...Option) (stdout, errText string)
}

// ExecRunner is the Runner backed by os/exec
type ExecRunner struct{}

// New creates an ExecRunner
func New() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(argv []string, opts ...Option) (string, string, error) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}
	return run(argv, cfg)
}

func (r *ExecRunner) TryRun(argv []string, opts ...Option) (string, string) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}

	stdout, stderr, err := run(argv, cfg)
	if err != nil {
		return stdout, err.Error()
	}
	if cfg.discardWarnings {
		return stdout, ""
	}
	return stdout, stderr
}

func run(argv []string, cfg settings) (string, string, error) {
	if len(argv) == 0 {
		return "", "", fmt.Errorf("no command given")
	}

	if cfg.asRoot && os.Geteuid() != 0 {
		argv = append([]string{"sudo", "-n"}, argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// Tool output gets parsed, keep it locale-independent
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), stderr.String(),
			fmt.Errorf("%s: %w (stderr: %q)", strings.Join(argv, " "), err, stderr.String())
	}

	return stdout.String(), stderr.String(), nil
}
