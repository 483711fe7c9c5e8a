package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestra/internal/agent"
	"orchestra/internal/parser"
)

const (
	defaultScannerBufSize   = 1024 * 1024 // 1 MB
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
	defaultGracefulTimeout  = 5 * time.Second
)

// Manager supervises OS processes keyed by logical session id.
type Manager struct {
	*handlers

	mu      sync.RWMutex
	procs   map[string]*managedProcess
	catalog *agent.Catalog
	parsers *parser.Registry
	logger  *slog.Logger
}

type managedProcess struct {
	id          string
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	stdin       *stdinWriter
	ringBuf     *RingBuffer[OutputEvent]
	stream      *streamState
	pid         int
	startedAt   time.Time
	exited      bool
	exitCode    int
	done        chan struct{}
	subscribers map[string]chan OutputEvent
	subMu       sync.RWMutex
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// Info describes a supervised process.
type Info struct {
	SessionID string    `json:"sessionId"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	ExitCode  int       `json:"exitCode"`
	StartedAt time.Time `json:"startedAt"`
}

// NewManager creates a process manager. A nil logger uses slog.Default.
func NewManager(catalog *agent.Catalog, parsers *parser.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: newHandlers(),
		procs:    make(map[string]*managedProcess),
		catalog:  catalog,
		parsers:  parsers,
		logger:   logger,
	}
}

var _ Runner = (*Manager)(nil)

// resolve turns a SpawnConfig into a binary, argv, environment and parser.
func (m *Manager) resolve(cfg SpawnConfig) (string, []string, []string, parser.Parser, error) {
	binary, args, env := cfg.Command, cfg.Args, cfg.Env
	parserID := cfg.Parser

	if binary == "" {
		if cfg.AgentID == "" {
			return "", nil, nil, nil, fmt.Errorf("spawn %s: no agent or command", cfg.SessionID)
		}
		if m.catalog == nil {
			return "", nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, cfg.AgentID)
		}
		def, ok := m.catalog.Get(cfg.AgentID)
		if !ok {
			return "", nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, cfg.AgentID)
		}
		binary = def.Binary
		args = append(agent.BuildArgs(def, cfg.Options), cfg.Args...)
		env = append(def.Environ(), cfg.Env...)
		if parserID == "" && cfg.Options.JSONOutput {
			parserID = def.Parser
		}
	} else if len(env) > 0 {
		env = append(os.Environ(), env...)
	}

	var p parser.Parser
	if parserID != "" && m.parsers != nil {
		p, _ = m.parsers.Get(parserID)
	}
	return binary, args, env, p, nil
}

// Spawn starts a process under cfg.SessionID. An id may be reused once its
// previous process has exited.
func (m *Manager) Spawn(cfg SpawnConfig) (SpawnResult, error) {
	if cfg.SessionID == "" {
		return SpawnResult{}, fmt.Errorf("spawn: missing session id")
	}

	binary, args, env, p, err := m.resolve(cfg)
	if err != nil {
		return SpawnResult{}, err
	}

	binaryPath, err := exec.LookPath(binary)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}

	if cfg.WorkDir != "" {
		info, err := os.Stat(cfg.WorkDir)
		if err != nil {
			return SpawnResult{}, fmt.Errorf("working directory does not exist: %s", cfg.WorkDir)
		}
		if !info.IsDir() {
			return SpawnResult{}, fmt.Errorf("path is not a directory: %s", cfg.WorkDir)
		}
	}

	m.mu.Lock()
	if prev, ok := m.procs[cfg.SessionID]; ok && !prev.exited {
		m.mu.Unlock()
		return SpawnResult{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Dir = cfg.WorkDir
	if env != nil {
		cmd.Env = env
	}

	// Set up pipes.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		m.mu.Unlock()
		return SpawnResult{}, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		m.mu.Unlock()
		return SpawnResult{}, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		m.mu.Unlock()
		return SpawnResult{}, fmt.Errorf("create stderr pipe: %w", err)
	}

	mp := &managedProcess{
		id:          cfg.SessionID,
		cmd:         cmd,
		cancel:      cancel,
		stdin:       &stdinWriter{writer: stdinW},
		ringBuf:     NewRingBuffer[OutputEvent](defaultRingBufCapacity),
		stream:      &streamState{parser: p},
		done:        make(chan struct{}),
		subscribers: make(map[string]chan OutputEvent),
	}

	if err := cmd.Start(); err != nil {
		stdinW.Close()
		stdinR.Close()
		cancel()
		m.mu.Unlock()
		m.logger.Warn("spawn failed", "session", cfg.SessionID, "binary", binaryPath, "error", err)
		return SpawnResult{}, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	// Close the read end of stdin pipe (the child process has it now).
	stdinR.Close()

	mp.pid = cmd.Process.Pid
	mp.startedAt = time.Now().UTC()
	m.procs[cfg.SessionID] = mp
	m.mu.Unlock()

	m.logger.Info("process spawned", "session", cfg.SessionID, "pid", mp.pid, "binary", binaryPath)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		m.scanOutput(mp, stdoutPipe, OutputStdout)
	}()
	go func() {
		defer scanners.Done()
		m.scanOutput(mp, stderrPipe, OutputStderr)
	}()

	// Exit is reported only after both streams drain, so every output
	// callback for a process precedes its exit callback.
	go m.waitForExit(mp, &scanners)

	return SpawnResult{PID: mp.pid, Success: true}, nil
}

// scanOutput reads lines from a pipe and distributes them.
func (m *Manager) scanOutput(mp *managedProcess, pipe io.Reader, stream OutputEventType) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), defaultScannerBufSize)

	for scanner.Scan() {
		line := scanner.Text()
		event := OutputEvent{
			SessionID: mp.id,
			Type:      stream,
			Data:      line,
			Timestamp: time.Now().UTC(),
		}

		if stream == OutputStdout {
			event.Event = m.dispatchStdout(mp.id, line, mp.stream)
		} else {
			m.dispatchStderr(mp.id, line)
		}

		mp.ringBuf.Write(event)
		m.fanOut(mp, event)
	}

	if err := scanner.Err(); err != nil {
		m.logger.Warn("output scanner error", "session", mp.id, "stream", stream, "error", err)
	}
}

// fanOut sends an event to all subscribers, dropping it for subscribers
// whose buffer is full.
func (m *Manager) fanOut(mp *managedProcess, event OutputEvent) {
	mp.subMu.RLock()
	defer mp.subMu.RUnlock()

	for _, ch := range mp.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// waitForExit waits for output to drain and the process to exit.
func (m *Manager) waitForExit(mp *managedProcess, scanners *sync.WaitGroup) {
	scanners.Wait()
	err := mp.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	mp.stdin.Close()
	mp.cancel()

	m.mu.Lock()
	mp.exited = true
	mp.exitCode = exitCode
	m.mu.Unlock()

	m.logger.Info("process exited", "session", mp.id, "pid", mp.pid, "exit_code", exitCode)

	exitEvent := OutputEvent{
		SessionID: mp.id,
		Type:      OutputExit,
		Data:      fmt.Sprintf("exit_code:%d", exitCode),
		Timestamp: time.Now().UTC(),
	}
	mp.ringBuf.Write(exitEvent)
	m.fanOut(mp, exitEvent)

	// Exit handlers may respawn under the same id; mp stays valid for
	// Wait callers holding it.
	m.dispatchExit(mp.id, exitCode)
	close(mp.done)
}

func (m *Manager) get(id string) (*managedProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mp, nil
}

// Write sends data to a process's stdin.
func (m *Manager) Write(id, data string) error {
	mp, err := m.get(id)
	if err != nil {
		return err
	}
	if m.exited(mp) {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if err := mp.stdin.Write([]byte(data)); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// Interrupt sends SIGINT to a process. It does not retry or escalate;
// callers fall back to Kill when it fails.
func (m *Manager) Interrupt(id string) error {
	mp, err := m.get(id)
	if err != nil {
		return err
	}
	if m.exited(mp) {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if err := mp.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("interrupt %s: %w", id, err)
	}
	return nil
}

// Kill forcefully terminates a process. It reports whether a live process
// was signalled; killing an unknown or exited process is a no-op.
func (m *Manager) Kill(id string) bool {
	mp, err := m.get(id)
	if err != nil || m.exited(mp) {
		return false
	}
	mp.stdin.Close()
	mp.cancel()
	m.logger.Info("process killed", "session", id, "pid", mp.pid)
	return true
}

// IsRunning reports whether a live process exists under id.
func (m *Manager) IsRunning(id string) bool {
	mp, err := m.get(id)
	return err == nil && !m.exited(mp)
}

// Wait blocks until the process under id exits or ctx is done, returning
// its exit code.
func (m *Manager) Wait(ctx context.Context, id string) (int, error) {
	mp, err := m.get(id)
	if err != nil {
		return 0, err
	}
	select {
	case <-mp.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return mp.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) exited(mp *managedProcess) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return mp.exited
}

// Info returns process details for id.
func (m *Manager) Info(id string) (Info, error) {
	mp, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		SessionID: id,
		PID:       mp.pid,
		Running:   !mp.exited,
		ExitCode:  mp.exitCode,
		StartedAt: mp.startedAt,
	}, nil
}

// List returns details for every known process.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.procs))
	for id, mp := range m.procs {
		result = append(result, Info{
			SessionID: id,
			PID:       mp.pid,
			Running:   !mp.exited,
			ExitCode:  mp.exitCode,
			StartedAt: mp.startedAt,
		})
	}
	return result
}

// Forget drops the bookkeeping for an exited process.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.procs[id]; ok && mp.exited {
		delete(m.procs, id)
	}
}

// History returns the buffered output of a process.
func (m *Manager) History(id string) ([]OutputEvent, error) {
	mp, err := m.get(id)
	if err != nil {
		return nil, err
	}
	mp.subMu.Lock()
	defer mp.subMu.Unlock()
	return mp.ringBuf.ReadAll(), nil
}

// Subscribe creates a channel that receives output events for a process,
// along with the buffered history.
func (m *Manager) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	mp, err := m.get(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	// Hold the subscriber lock across the history read so no event falls
	// between history and live delivery.
	mp.subMu.Lock()
	history := mp.ringBuf.ReadAll()
	mp.subscribers[subID] = ch
	mp.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a process.
func (m *Manager) Unsubscribe(id, subID string) {
	mp, err := m.get(id)
	if err != nil {
		return
	}

	mp.subMu.Lock()
	if ch, exists := mp.subscribers[subID]; exists {
		close(ch)
		delete(mp.subscribers, subID)
	}
	mp.subMu.Unlock()
}

// Shutdown interrupts every live process, waits for the graceful timeout
// or ctx, then kills whatever is left.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.procs))
	for id, mp := range m.procs {
		if !mp.exited {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Interrupt(id); err != nil {
			m.logger.Debug("interrupt during shutdown", "session", id, "error", err)
		}
	}

	timer := time.NewTimer(defaultGracefulTimeout)
	defer timer.Stop()
	for _, id := range ids {
		mp, err := m.get(id)
		if err != nil {
			continue
		}
		select {
		case <-mp.done:
		case <-timer.C:
			m.killAll(ids)
			return
		case <-ctx.Done():
			m.killAll(ids)
			return
		}
	}
}

func (m *Manager) killAll(ids []string) {
	for _, id := range ids {
		m.Kill(id)
	}
}
