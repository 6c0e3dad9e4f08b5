// Package session owns a single spawned child process: it demultiplexes
// stdout and stderr into line streams, writes lines to stdin, and
// guarantees one idempotent teardown from every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/devicelab-dev/avd-runner/pkg/core"
	"github.com/devicelab-dev/avd-runner/pkg/logger"
	"github.com/devicelab-dev/avd-runner/pkg/stream"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
var killGrace = 2 * time.Second

// pipeDrainDelay is how long output readers get to reach EOF after the
// child exits. A background grandchild can keep the pipes open forever.
var pipeDrainDelay = time.Second

// Spec describes the process to spawn.
type Spec struct {
	Name    string            // tool name used in logs and errors; defaults to the binary name
	Path    string            // executable
	Args    []string          // arguments, without the executable
	Dir     string            // working directory; empty inherits ours
	Env     map[string]string // overrides applied on top of os.Environ()
	Prompts []string          // non-empty switches stdout to prompt-aware tokenization

	// Detached children outlive the session: output goes to LogFile
	// (discarded when empty) and Close releases instead of killing.
	Detached bool
	LogFile  string
}

func (s Spec) name() string {
	if s.Name != "" {
		return s.Name
	}
	return baseName(s.Path)
}

// Outcome classifies how a session ended.
type Outcome int

const (
	OutcomeSuccess  Outcome = iota // exit code 0
	OutcomeFailed                  // non-zero exit
	OutcomeTimedOut                // Wait bound elapsed, process force-terminated
	OutcomeClosed                  // torn down by Close before exiting on its own
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result is what Wait observed.
type Result struct {
	Outcome Outcome
	Code    int // exit code when Outcome is OutcomeFailed; -1 if signaled
}

// Stream is one demultiplexed output of the child.
type Stream struct {
	name  string
	lines chan string
	err   error
}

// Lines delivers completed lines in the order the child wrote them. The
// channel closes at end of stream or when the session is closed.
func (st *Stream) Lines() <-chan string {
	return st.lines
}

// Err returns the read failure that ended the stream, if any.
// Only meaningful after Lines is closed.
func (st *Stream) Err() error {
	return st.err
}

// Session is a running child process.
type Session struct {
	id   string
	spec Spec
	cmd  *exec.Cmd
	log  *logrus.Entry

	stdin   io.WriteCloser
	stdinMu sync.Mutex
	pipes   []io.Closer
	logFile *os.File

	stdout *Stream
	stderr *Stream

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	exited  chan struct{} // closed once cmd.Wait returned
	waitErr error

	closed    atomic.Bool
	closeOnce sync.Once
	killOnce  sync.Once
	kills     atomic.Int32
}

// Spawn starts the process immediately. Cancelling ctx closes the session.
func Spawn(ctx context.Context, spec Spec) (*Session, error) {
	if spec.Path == "" {
		return nil, core.ErrMissingRequired.WithMessage("session: executable path is required")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	configureProcess(cmd, spec.Detached)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		spec:   spec,
		cmd:    cmd,
		ctx:    sctx,
		cancel: cancel,
		exited: make(chan struct{}),
		stdout: &Stream{name: "stdout", lines: make(chan string)},
		stderr: &Stream{name: "stderr", lines: make(chan string)},
	}
	s.log = logger.WithSession(s.id, spec.name())

	if err := s.start(); err != nil {
		cancel()
		s.closeHandles()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.log.Infof("context done, closing: %v", ctx.Err())
			_ = s.Close()
		case <-s.exited:
		}
	}()
	return s, nil
}

func (s *Session) start() error {
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return core.SpawnError(s.spec.Path, fmt.Errorf("stdin pipe: %w", err))
	}
	s.stdin = stdin

	var stdout, stderr *os.File
	var writers []*os.File
	if s.spec.Detached {
		if s.spec.LogFile != "" {
			f, err := os.OpenFile(s.spec.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return core.SpawnError(s.spec.Path, fmt.Errorf("open log file: %w", err))
			}
			s.logFile = f
			s.cmd.Stdout = f
			s.cmd.Stderr = f
		}
	} else {
		// Own the pipes so cmd.Wait reaps the child without waiting for
		// every holder of the write ends to close them.
		var stdoutW, stderrW *os.File
		if stdout, stdoutW, err = os.Pipe(); err != nil {
			return core.SpawnError(s.spec.Path, fmt.Errorf("stdout pipe: %w", err))
		}
		if stderr, stderrW, err = os.Pipe(); err != nil {
			_ = stdout.Close()
			_ = stdoutW.Close()
			return core.SpawnError(s.spec.Path, fmt.Errorf("stderr pipe: %w", err))
		}
		s.cmd.Stdout = stdoutW
		s.cmd.Stderr = stderrW
		s.pipes = []io.Closer{stdout, stderr}
		writers = []*os.File{stdoutW, stderrW}
	}

	s.log.Infof("Starting process: %s %s", s.spec.Path, strings.Join(s.spec.Args, " "))
	err = s.cmd.Start()
	for _, w := range writers {
		_ = w.Close()
	}
	if err != nil {
		return core.SpawnError(s.spec.Path, err)
	}
	s.log.Debugf("process started (PID: %d)", s.cmd.Process.Pid)

	if s.spec.Detached {
		close(s.stdout.lines)
		close(s.stderr.lines)
	} else {
		var outTok *stream.Tokenizer
		if len(s.spec.Prompts) > 0 {
			outTok = stream.NewPromptTokenizer(stdout, s.spec.Prompts...)
		} else {
			outTok = stream.NewLineTokenizer(stdout)
		}
		s.pump(s.stdout, outTok)
		s.pump(s.stderr, stream.NewLineTokenizer(stderr))
	}

	go s.waitLoop()
	return nil
}

// pump reads one pipe into an unbounded queue and forwards it to the
// stream's channel. Reading never waits on the consumer.
func (s *Session) pump(st *Stream, tok *stream.Tokenizer) {
	q := newLineQueue()
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		defer q.close()
		for {
			line, err := tok.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				st.err = core.StreamError(st.name, err)
				s.log.Errorf("%s threw: %v", st.name, err)
				go s.Close()
				return
			}
			s.log.Debugf("%s: %s", st.name, line)
			q.push(line)
		}
	}()

	go func() {
		defer close(st.lines)
		for {
			line, ok := q.pop()
			if !ok {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			select {
			case st.lines <- line:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// waitLoop reaps the child as soon as it exits. Output already written
// keeps flowing to the streams; see drainPipes.
func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	s.waitErr = err
	if err != nil {
		s.log.Infof("process exited: %v", err)
	} else {
		s.log.Infof("process exited cleanly")
	}
	close(s.exited)
	s.drainPipes()
}

// drainPipes closes the read ends if the readers have not reached EOF
// within pipeDrainDelay of the child exiting.
func (s *Session) drainPipes() {
	if len(s.pipes) == 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()

	timer := time.NewTimer(pipeDrainDelay)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Debugf("output still open %v after exit, closing pipes", pipeDrainDelay)
		for _, p := range s.pipes {
			_ = p.Close()
		}
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Name is the tool name used in logs and errors.
func (s *Session) Name() string {
	return s.spec.name()
}

// Pid returns the child's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Stdout returns the child's stdout stream.
func (s *Session) Stdout() *Stream {
	return s.stdout
}

// Stderr returns the child's stderr stream.
func (s *Session) Stderr() *Stream {
	return s.stderr
}

// Done is closed once the child has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// WriteLine sends text followed by the platform line separator to the
// child's stdin. Writes are serialized.
func (s *Session) WriteLine(text string) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()

	if s.closed.Load() {
		return core.ErrSessionClosed
	}
	select {
	case <-s.exited:
		return core.ErrSessionClosed
	default:
	}

	s.log.Infof("stdIn: %s", text)
	if _, err := io.WriteString(s.stdin, text+lineSeparator); err != nil {
		if s.closed.Load() || stream.IsClosed(err) {
			return core.ErrSessionClosed.WithCause(err)
		}
		return core.StreamError("stdin", err)
	}
	return nil
}

// Wait blocks until the child exits or timeout elapses; timeout <= 0 waits
// forever. On timeout the child is force-terminated and the session closed.
func (s *Session) Wait(timeout time.Duration) (Result, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.exited:
		return s.result()
	case <-expired:
		s.log.Warnf("timed out after %v, terminating", timeout)
		s.terminate()
		_ = s.Close()
		return Result{Outcome: OutcomeTimedOut}, core.Timeout(s.spec.name())
	}
}

// Err returns the terminal error once the child has exited, nil before.
func (s *Session) Err() error {
	select {
	case <-s.exited:
		_, err := s.result()
		return err
	default:
		return nil
	}
}

func (s *Session) result() (Result, error) {
	if s.waitErr == nil {
		return Result{Outcome: OutcomeSuccess}, nil
	}
	if s.kills.Load() > 0 {
		return Result{Outcome: OutcomeClosed}, core.ErrSessionClosed
	}
	var ee *exec.ExitError
	if errors.As(s.waitErr, &ee) {
		code := ee.ExitCode()
		return Result{Outcome: OutcomeFailed, Code: code}, core.ProcessExit(s.spec.name(), code)
	}
	return Result{Outcome: OutcomeFailed, Code: -1}, core.ErrProcessExit.WithCause(s.waitErr)
}

// Close tears the session down: stops delivery, closes stdin, terminates
// the child (unless detached) and closes stdout/stderr. Safe to call any
// number of times from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		// No stdinMu here: a blocked WriteLine must not stall teardown.
		_ = s.stdin.Close()

		if s.spec.Detached {
			s.log.Infof("releasing detached process (PID: %d)", s.cmd.Process.Pid)
			s.closeHandles()
			return
		}

		s.terminate()
		s.closeHandles()

		select {
		case <-s.exited:
		case <-time.After(killGrace + time.Second):
			s.log.Warnf("process did not exit after teardown")
		}
	})
	return nil
}

// Kill force-terminates the child, detached or not, and closes the session.
func (s *Session) Kill() error {
	s.terminate()
	return s.Close()
}

// terminate signals the child exactly once: SIGTERM, then SIGKILL after
// killGrace.
func (s *Session) terminate() {
	s.killOnce.Do(func() {
		select {
		case <-s.exited:
			return
		default:
		}
		s.kills.Add(1)
		proc := s.cmd.Process
		s.log.Infof("terminating process (PID: %d)", proc.Pid)
		if err := interruptProcess(proc); err != nil {
			s.log.Debugf("interrupt failed: %v", err)
		}
		select {
		case <-s.exited:
		case <-time.After(killGrace):
			s.log.Warnf("process ignored interrupt, killing (PID: %d)", proc.Pid)
			if err := killProcess(proc); err != nil {
				s.log.Errorf("kill failed: %v", err)
			}
		}
	})
}

func (s *Session) closeHandles() {
	for _, p := range s.pipes {
		_ = p.Close()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
