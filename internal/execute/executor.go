package execute

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/plan"
)

const (
	// maxLineBytes caps one streamed output line. Longer lines are cut
	// and marked truncated; the remainder of the physical line is
	// discarded.
	maxLineBytes = 64 * 1024

	// stderrTailLines is how many trailing stderr lines are kept for
	// failure classification.
	stderrTailLines = 64

	// termGrace is how long a cancelled process gets between SIGTERM
	// and SIGKILL.
	termGrace = 2 * time.Second
)

// BinaryInstaller downloads and installs a resolved binary artifact.
// Implemented by the fetch package; injected so tests can fake it.
type BinaryInstaller interface {
	Install(ctx context.Context, dl *plan.BinaryDownload) error
}

// Request describes one plan execution.
type Request struct {
	Plan *plan.InstallPlan

	// SudoSecret is piped to sudo's stdin for elevated steps. It is
	// never logged, streamed, or audited.
	SudoSecret string

	// PasswordlessSudo selects sudo -n, skipping the stdin pipe.
	PasswordlessSudo bool
}

// Executor runs one plan at a time, emitting events to a channel.
type Executor struct {
	logger    log.Logger
	installer BinaryInstaller
	clock     func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithBinaryInstaller wires the binary download installer.
func WithBinaryInstaller(bi BinaryInstaller) ExecutorOption {
	return func(e *Executor) { e.installer = bi }
}

// WithClock overrides the time source (tests).
func WithClock(f func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = f }
}

// NewExecutor builds an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger: log.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every step of the plan in order, emitting events to
// events. It stops at the first failure. The caller owns the channel;
// Run never closes it.
func (e *Executor) Run(ctx context.Context, runID string, req Request, events chan<- Event) Result {
	p := req.Plan
	res := Result{
		RunID:     runID,
		ToolID:    p.ToolID,
		PlanID:    p.PlanID,
		Status:    ResultSuccess,
		StartedAt: e.clock().UTC(),
	}

	emit := func(ev Event) {
		ev.RunID = runID
		ev.Timestamp = e.clock().UTC()
		events <- ev
	}

	total := len(p.Steps)
	for i, step := range p.Steps {
		if ctx.Err() != nil {
			res.Status = ResultCancelled
			break
		}

		// Step-scoped events carry the step's 1-based position.
		idx := i + 1
		stepEmit := func(ev Event) {
			ev.StepIdx = idx
			ev.Total = total
			emit(ev)
		}

		stepEmit(Event{
			Type:         EventStepStart,
			StepID:       step.ID,
			ToolID:       step.ToolID,
			MethodFamily: step.MethodFamily,
			Label:        step.Label,
		})

		failure := e.runStep(ctx, step, req, stepEmit)
		if failure == nil {
			code := 0
			stepEmit(Event{Type: EventStepDone, StepID: step.ID, ToolID: step.ToolID, ExitCode: &code})
			continue
		}

		if ctx.Err() != nil && !failure.TimedOut {
			res.Status = ResultCancelled
			break
		}

		stepEmit(Event{
			Type:         EventStepFailed,
			StepID:       step.ID,
			ToolID:       step.ToolID,
			MethodFamily: step.MethodFamily,
			ExitCode:     failure.ExitCode,
			Message:      failure.Message,
			StderrTail:   failure.StderrTail,
		})
		res.Status = ResultFailed
		res.Failure = failure
		break
	}

	if res.Status == ResultCancelled {
		emit(Event{Type: EventDone, Result: ResultCancelled, Message: "execution cancelled"})
	} else {
		emit(Event{Type: EventDone, Result: res.Status})
	}
	res.FinishedAt = e.clock().UTC()
	return res
}

// runStep executes one step. A nil return means success.
func (e *Executor) runStep(ctx context.Context, step plan.Step, req Request, emit func(Event)) *StepFailure {
	switch {
	case step.Kind == plan.StepPostEnv:
		// Advisory only. Shell state is never mutated here.
		for _, env := range step.Env {
			emit(Event{
				Type:   EventLog,
				StepID: step.ID,
				ToolID: step.ToolID,
				Stream: "stdout",
				Line:   fmt.Sprintf("export %s=%s", env.Name, env.Value),
			})
		}
		return nil

	case step.Download != nil:
		if e.installer == nil {
			return &StepFailure{
				StepID:  step.ID,
				ToolID:  step.ToolID,
				Message: "binary install requested but no installer is configured",
			}
		}
		emit(Event{
			Type:   EventLog,
			StepID: step.ID,
			ToolID: step.ToolID,
			Stream: "stdout",
			Line:   "downloading " + step.Download.URL,
		})
		if err := e.installer.Install(ctx, step.Download); err != nil {
			return &StepFailure{
				StepID:     step.ID,
				ToolID:     step.ToolID,
				Message:    err.Error(),
				StderrTail: []string{err.Error()},
			}
		}
		return nil

	default:
		return e.runCommand(ctx, step, req, emit)
	}
}

// sudoArgv wraps the step's argv for elevation. With a password, sudo
// reads it once from stdin (-S with an empty prompt so it never mixes
// into output); passwordless hosts use -n.
func sudoArgv(argv []string, passwordless bool) []string {
	if passwordless {
		return append([]string{"sudo", "-n"}, argv...)
	}
	return append([]string{"sudo", "-S", "-p", ""}, argv...)
}

func (e *Executor) runCommand(ctx context.Context, step plan.Step, req Request, emit func(Event)) *StepFailure {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := step.Argv
	var stdin io.Reader
	if step.NeedsSudo {
		argv = sudoArgv(argv, req.PasswordlessSudo)
		if !req.PasswordlessSudo {
			stdin = strings.NewReader(req.SudoSecret + "\n")
		}
	}

	cmd := exec.CommandContext(stepCtx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(step, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(step, err)
	}
	if err := cmd.Start(); err != nil {
		return spawnFailure(step, err)
	}

	tail := newTailBuffer(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, func(line string, truncated bool) {
			emit(Event{
				Type: EventLog, StepID: step.ID, ToolID: step.ToolID,
				Stream: "stdout", Line: line, Truncated: truncated,
			})
		})
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, func(line string, truncated bool) {
			tail.add(line)
			emit(Event{
				Type: EventLog, StepID: step.ID, ToolID: step.ToolID,
				Stream: "stderr", Line: line, Truncated: truncated,
			})
		})
	}()
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}

	failure := &StepFailure{
		StepID:       step.ID,
		ToolID:       step.ToolID,
		MethodFamily: step.MethodFamily,
		StderrTail:   tail.lines(),
	}

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		failure.TimedOut = true
		failure.Message = fmt.Sprintf("Step timed out after %ds", step.TimeoutSeconds)
		failure.StderrTail = append(failure.StderrTail, failure.Message)
		emit(Event{
			Type: EventLog, StepID: step.ID, ToolID: step.ToolID,
			Stream: "stderr", Line: failure.Message,
		})
		return failure
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		failure.ExitCode = &code
	} else {
		failure.Message = err.Error()
	}
	return failure
}

func spawnFailure(step plan.Step, err error) *StepFailure {
	return &StepFailure{
		StepID:       step.ID,
		ToolID:       step.ToolID,
		MethodFamily: step.MethodFamily,
		Message:      fmt.Sprintf("failed to start step: %v", err),
		StderrTail:   []string{err.Error()},
	}
}

// streamLines reads r line by line, capping each line at maxLineBytes.
// The remainder of an over-long physical line is discarded and the
// emitted line is flagged truncated. Memory use stays bounded no matter
// how long the line is.
func streamLines(r io.Reader, emit func(line string, truncated bool)) {
	br := bufio.NewReaderSize(r, 32*1024)
	buf := make([]byte, 0, 4096)
	truncated := false
	flush := func() {
		emit(string(buf), truncated)
		buf = buf[:0]
		truncated = false
	}

	for {
		chunk, err := br.ReadSlice('\n')
		if n := len(chunk); n > 0 && chunk[n-1] == '\n' {
			chunk = chunk[:n-1]
		}
		if room := maxLineBytes - len(buf); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			buf = append(buf, chunk...)
		} else {
			truncated = true
		}

		switch {
		case err == nil:
			flush()
		case err == bufio.ErrBufferFull:
			// Still mid-line; keep accumulating (or discarding).
		default:
			if len(buf) > 0 || truncated {
				flush()
			}
			return
		}
	}
}

// tailBuffer keeps the last n lines added.
type tailBuffer struct {
	n     int
	buf   []string
	start int
	full  bool
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n, buf: make([]string, n)}
}

func (t *tailBuffer) add(line string) {
	t.buf[t.start] = line
	t.start = (t.start + 1) % t.n
	if t.start == 0 {
		t.full = true
	}
}

func (t *tailBuffer) lines() []string {
	if !t.full {
		return append([]string(nil), t.buf[:t.start]...)
	}
	out := make([]string, 0, t.n)
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return out
}
