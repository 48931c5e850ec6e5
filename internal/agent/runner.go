package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Stream identifies which pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// SpawnError is returned by a Runner when the process could not be started.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start agent: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Runner starts the agent process in dir and streams each output line to
// onLine. It returns the exit code once the process exits. A cancelled
// context kills the process and is reported as ctx.Err().
type Runner interface {
	Run(ctx context.Context, dir string, args []string, onLine func(Stream, string)) (int, error)
}

// LocalRunner executes the agent binary directly with os/exec.
type LocalRunner struct {
	// HomeDir overrides HOME for the agent so it finds its credentials.
	HomeDir string
	// Env is appended to the inherited environment.
	Env []string
	// KillGrace is how long to wait for pipes to drain after a kill.
	KillGrace time.Duration
}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(homeDir string) *LocalRunner {
	return &LocalRunner{HomeDir: homeDir, KillGrace: 5 * time.Second}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, dir string, args []string, onLine func(Stream, string)) (int, error) {
	if len(args) == 0 {
		return -1, &SpawnError{Err: errors.New("no command specified")}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if r.HomeDir != "" {
		cmd.Env = append(cmd.Env, "HOME="+r.HomeDir)
	}
	cmd.Env = append(cmd.Env, r.Env...)
	cmd.WaitDelay = r.KillGrace

	// Pipes are written by exec's copy goroutines so WaitDelay can cut off
	// grandchildren that keep the descriptors open after a kill.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	emit := func(s Stream, line string) {
		if onLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onLine(s, line)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(outR, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scanLines(errR, Stderr, emit)
	}()

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		wg.Wait()
		return -1, &SpawnError{Err: err}
	}

	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("agent failed: %w", waitErr)
	}
	return 0, nil
}

func scanLines(rd io.Reader, s Stream, emit func(Stream, string)) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		emit(s, scanner.Text())
	}
	// Drain so the process never blocks on a full pipe after an over-long line.
	_, _ = io.Copy(io.Discard, rd)
}

// FuncRunner adapts a function to Runner. Tests script agent output with it.
type FuncRunner func(ctx context.Context, dir string, args []string, onLine func(Stream, string)) (int, error)

// Run implements Runner.
func (f FuncRunner) Run(ctx context.Context, dir string, args []string, onLine func(Stream, string)) (int, error) {
	return f(ctx, dir, args, onLine)
}
