package camera

import (
	"bufio"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

const (
	restartInitialDelay = 500 * time.Millisecond
	restartMaxDelay     = 30 * time.Second
	// A process that ran this long before exiting starts over from the initial delay.
	restartStableAfter = time.Minute
)

// commandBuilder returns the program and arguments that write an MJPEG stream for
// profile p to stdout.
type commandBuilder func(p Profile) (string, []string)

// pipeSource captures from an external process (rpicam-vid, ffmpeg) that writes
// concatenated JPEGs to stdout. A reader goroutine keeps only the newest complete
// image; Get copies it into one of a fixed number of pooled buffers. When the process
// exits or its output cannot be parsed, Get relaunches it with the last profile, backing
// off exponentially between attempts.
type pipeSource struct {
	name    string
	command commandBuilder
	logger  Logger
	clk     clock.Clock
	pool    *framePool

	cmdMu     sync.Mutex
	cmd       *exec.Cmd
	wg        sync.WaitGroup
	profile   Profile
	startedAt time.Time

	// restartMu serialises relaunches
	restartMu   sync.Mutex
	backoff     *backoff.ExponentialBackOff
	nextRestart time.Time
	restarts    int

	closed atomic.Bool

	mu        sync.Mutex
	latest    []byte
	latestAt  time.Time
	latestSeq uint64
	servedSeq uint64
	exitErr   error
}

func newPipeSource(name string, command commandBuilder, buffers int, clk clock.Clock, logger Logger) *pipeSource {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = restartInitialDelay
	b.MaxInterval = restartMaxDelay
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()

	return &pipeSource{
		name:    name,
		command: command,
		logger:  logger,
		clk:     clk,
		pool:    newFramePool(buffers),
		backoff: b,
	}
}

// Get returns the newest image not handed out before, or ErrNoFrame. Once the
// process has exited and its last image was served, Get relaunches it.
func (s *pipeSource) Get() (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrStopped
	}
	s.mu.Lock()
	if s.latestSeq == s.servedSeq {
		exitErr := s.exitErr
		s.mu.Unlock()
		if exitErr != nil {
			return nil, s.restart(exitErr)
		}
		return nil, ErrNoFrame
	}
	defer s.mu.Unlock()

	idx, buf, ok := s.pool.get()
	if !ok {
		return nil, ErrNoFrame
	}
	buf = append(buf, s.latest...)
	s.servedSeq = s.latestSeq
	return &Frame{Data: buf, CapturedAt: s.latestAt, Index: idx}, nil
}

// restart relaunches the exited process with the last profile. Within the backoff
// window it only reports the exit. Buffers handed out earlier stay valid.
func (s *pipeSource) restart(cause error) error {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	if s.closed.Load() {
		return ErrStopped
	}
	now := s.clk.Now()
	if now.Before(s.nextRestart) {
		return errors.Wrapf(cause, "%s exited", s.name)
	}

	s.cmdMu.Lock()
	profile, startedAt := s.profile, s.startedAt
	s.cmdMu.Unlock()
	if now.Sub(startedAt) >= restartStableAfter {
		s.backoff.Reset()
	}
	s.restarts++
	s.nextRestart = now.Add(s.backoff.NextBackOff())
	s.logger.Printf("[WARN] %s exited (%v), restarting (attempt %d)", s.name, cause, s.restarts)

	if err := s.stop(); err != nil {
		s.logger.Debugf("%s: previous process: %v", s.name, err)
	}
	if err := s.start(profile); err != nil {
		return errors.Wrapf(err, "failed to restart %s", s.name)
	}
	return ErrNoFrame
}

func (s *pipeSource) Release(f *Frame) {
	if f == nil {
		return
	}
	if !s.pool.put(f.Index, f.Data) {
		s.logger.Printf("[WARN] %s: release of buffer %d that is not held", s.name, f.Index)
	}
}

// Configure restarts the capture process with profile p.
func (s *pipeSource) Configure(p Profile) error {
	if n := s.pool.outstanding(); n > 0 {
		return errors.Errorf("%s: %d frames outstanding", s.name, n)
	}
	if err := s.stop(); err != nil {
		s.logger.Debugf("%s: previous process: %v", s.name, err)
	}

	s.restartMu.Lock()
	s.backoff.Reset()
	s.nextRestart = time.Time{}
	s.restarts = 0
	s.restartMu.Unlock()
	s.closed.Store(false)
	return s.start(p)
}

// Close stops the process. The source is not relaunched until the next Configure.
func (s *pipeSource) Close() error {
	s.restartMu.Lock()
	s.closed.Store(true)
	s.restartMu.Unlock()
	return s.stop()
}

func (s *pipeSource) start(p Profile) error {
	s.cmdMu.Lock()
	s.profile = p
	s.cmdMu.Unlock()

	prog, args := s.command(p)
	cmd := exec.Command(prog, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr pipe")
	}

	s.mu.Lock()
	s.latest = s.latest[:0]
	s.servedSeq = s.latestSeq
	s.exitErr = nil
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		err = errors.Wrapf(err, "failed to start %s", prog)
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		return err
	}
	s.logger.Debugf("%s: started %s %s", s.name, prog, strings.Join(args, " "))

	s.cmdMu.Lock()
	s.cmd = cmd
	s.startedAt = s.clk.Now()
	s.cmdMu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			s.logger.Debugf("%s: %s", s.name, sc.Text())
		}
	}()
	go func() {
		defer s.wg.Done()
		s.readFrames(NewJPEGScanner(stdout))
	}()
	return nil
}

func (s *pipeSource) readFrames(sc *bufio.Scanner) {
	for sc.Scan() {
		s.mu.Lock()
		s.latest = append(s.latest[:0], sc.Bytes()...)
		s.latestAt = s.clk.Now()
		s.latestSeq++
		s.mu.Unlock()
	}

	err := sc.Err()
	if err == nil {
		err = errors.New("end of stream")
	}
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
}

func (s *pipeSource) stop() error {
	s.cmdMu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.cmdMu.Unlock()
	if cmd == nil {
		return nil
	}

	var err error
	if cmd.Process != nil {
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = multierr.Append(err, kerr)
		}
	}
	// Wait closes the pipes once the readers are done with them.
	s.wg.Wait()
	if werr := cmd.Wait(); werr != nil && !isKilled(werr) {
		err = multierr.Append(err, werr)
	}
	return err
}

func isKilled(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return !exitErr.Exited()
	}
	return false
}
