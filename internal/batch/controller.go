// Package batch drives auto-runs: a sequence of tasks, each executed by a
// fresh, isolated agent process against one session's agent and working
// directory.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"orchestra/internal/agent"
	"orchestra/internal/notify"
	"orchestra/internal/parser"
	"orchestra/internal/process"
	"orchestra/internal/session"
	"orchestra/internal/store"
)

var (
	ErrRunActive = errors.New("batch run already active")
	ErrNoRun     = errors.New("no batch run")
)

const maxSummaryLen = 200

// Status is a point-in-time view of a session's run.
type Status struct {
	SessionID     string `json:"sessionId"`
	Running       bool   `json:"running"`
	StopRequested bool   `json:"stopRequested"`
	CurrentTask   string `json:"currentTask,omitempty"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Total         int    `json:"total"`
	Document      string `json:"document"`
	Error         string `json:"error,omitempty"`
}

type run struct {
	stop   atomic.Bool
	done   chan struct{}
	status Status
}

// attempt collects the output of one in-flight task process. A task ends
// on the first of its result event or its exit.
type attempt struct {
	done     chan int
	byResult bool
	text     strings.Builder
	failed   bool
	usage    parser.Usage
}

// finish ends the attempt once. Caller holds c.mu.
func (a *attempt) finish(code int) {
	select {
	case a.done <- code:
	default:
	}
}

// Config wires a Controller.
type Config struct {
	Runner   process.Runner
	Catalog  *agent.Catalog
	Sessions *session.Registry
	History  *store.HistoryStore
	Bus      *notify.Bus
	Logger   *slog.Logger
}

// Controller runs at most one batch per session.
type Controller struct {
	runner   process.Runner
	catalog  *agent.Catalog
	sessions *session.Registry
	history  *store.HistoryStore
	bus      *notify.Bus
	logger   *slog.Logger

	mu       sync.RWMutex
	runs     map[string]*run
	attempts map[string]*attempt

	unsubs []func()
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		runner:   cfg.Runner,
		catalog:  cfg.Catalog,
		sessions: cfg.Sessions,
		history:  cfg.History,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		runs:     make(map[string]*run),
		attempts: make(map[string]*attempt),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.unsubs = []func(){
		cfg.Runner.OnEvent(c.handleEvent),
		cfg.Runner.OnUsage(c.handleUsage),
		cfg.Runner.OnExit(c.handleExit),
	}
	return c
}

// Close detaches the controller from its runner.
func (c *Controller) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// Start begins a run for sessionID over the tasks in doc. It returns once
// the run is registered; tasks execute in the background.
func (c *Controller) Start(sessionID, doc, prompt string) error {
	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	def, ok := c.catalog.Get(sess.AgentID)
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrUnknownAgent, sess.AgentID)
	}
	if err := def.CheckTurns(); err != nil {
		return err
	}

	tasks := ParseTasks(doc)
	r := &run{
		done: make(chan struct{}),
		status: Status{
			SessionID: sessionID,
			Running:   true,
			Total:     len(tasks),
			Document:  doc,
		},
	}

	c.mu.Lock()
	if prev, ok := c.runs[sessionID]; ok && prev.status.Running {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunActive, sessionID)
	}
	c.runs[sessionID] = r
	c.mu.Unlock()

	c.logger.Info("batch run started", "session", sessionID, "tasks", len(tasks))
	c.publish(r)
	go c.execute(r, sess, def, tasks, prompt)
	return nil
}

// Stop asks the run to end after its current task. The in-flight task is
// never interrupted.
func (c *Controller) Stop(sessionID string) error {
	c.mu.Lock()
	r, ok := c.runs[sessionID]
	if !ok || !r.status.Running {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoRun, sessionID)
	}
	r.stop.Store(true)
	r.status.StopRequested = true
	c.mu.Unlock()

	c.logger.Info("batch stop requested", "session", sessionID)
	c.publish(r)
	return nil
}

// Status returns the current or most recent run of sessionID.
func (c *Controller) Status(sessionID string) (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[sessionID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNoRun, sessionID)
	}
	return r.status, nil
}

// Wait blocks until sessionID's run finishes or ctx is done.
func (c *Controller) Wait(ctx context.Context, sessionID string) (Status, error) {
	c.mu.RLock()
	r, ok := c.runs[sessionID]
	c.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNoRun, sessionID)
	}
	select {
	case <-r.done:
		return c.Status(sessionID)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (c *Controller) execute(r *run, sess session.Session, def *agent.Definition, tasks []Task, prompt string) {
	defer close(r.done)

	for _, task := range tasks {
		if r.stop.Load() {
			break
		}

		c.mu.Lock()
		r.status.CurrentTask = task.Text
		doc := r.status.Document
		c.mu.Unlock()
		c.publish(r)

		ok, err := c.runTask(sess, def, task, composePrompt(prompt, doc, task))

		c.mu.Lock()
		if ok {
			r.status.Completed++
			r.status.Document = CheckOff(r.status.Document, task)
		} else {
			r.status.Failed++
		}
		if err != nil {
			r.status.Error = err.Error()
		}
		c.mu.Unlock()
		c.publish(r)

		// A task that could not be spawned ends the run.
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	r.status.Running = false
	r.status.CurrentTask = ""
	st := r.status
	c.mu.Unlock()
	c.publish(r)

	c.logger.Info("batch run finished", "session", st.SessionID, "completed", st.Completed, "failed", st.Failed, "total", st.Total, "stopped", st.StopRequested)
}

// runTask spawns one isolated process for task and waits for its result
// event or exit. Agents reading stdin get the prompt written after spawn;
// the others carry it as an argument. It reports whether the task
// succeeded; err is set only when the prompt could not be delivered.
func (c *Controller) runTask(sess session.Session, def *agent.Definition, task Task, prompt string) (bool, error) {
	procID := fmt.Sprintf("%s-batch-%s", sess.ID, uuid.New().String())
	a := &attempt{done: make(chan int, 1)}

	c.mu.Lock()
	c.attempts[procID] = a
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.attempts, procID)
		c.mu.Unlock()
	}()

	stdin := def.Delivery == agent.DeliveryStdin
	opts := agent.Options{
		JSONOutput: true,
		WorkDir:    sess.WorkDir,
		ReadOnly:   sess.ReadOnly,
		Model:      sess.Model,
	}
	if !stdin {
		opts.Batch = true
		opts.Prompt = prompt
	}

	start := time.Now()
	res, err := c.runner.Spawn(process.SpawnConfig{
		SessionID: procID,
		AgentID:   def.ID,
		WorkDir:   sess.WorkDir,
		Parser:    def.Parser,
		Options:   opts,
	})
	if err == nil && (!res.Success || res.PID <= 0) {
		err = fmt.Errorf("invalid pid %d", res.PID)
	}
	if err == nil && stdin {
		if werr := c.runner.Write(procID, prompt+"\n"); werr != nil {
			c.runner.Kill(procID)
			err = fmt.Errorf("write prompt: %w", werr)
		}
	}
	if err != nil {
		err = fmt.Errorf("start task %q: %w", task.Text, err)
		c.logger.Warn("batch task start failed", "session", sess.ID, "error", err)
		c.record(sess.ID, fmt.Sprintf("Task failed to start: %s", task.Text), false, nil, time.Since(start))
		return false, err
	}

	code := <-a.done

	c.mu.Lock()
	text := a.text.String()
	success := code == 0 && !a.failed
	usage := a.usage
	byResult := a.byResult
	c.mu.Unlock()

	// The isolated process is never reused.
	if byResult {
		c.runner.Kill(procID)
	}

	summary := summarize(text)
	if summary == "" {
		if success {
			summary = "Task completed: " + task.Text
		} else if byResult {
			summary = "Task failed: " + task.Text
		} else {
			summary = fmt.Sprintf("Task failed (exit code %d): %s", code, task.Text)
		}
	}
	c.record(sess.ID, summary, success, &usage, time.Since(start))
	return success, nil
}

func (c *Controller) record(sessionID, summary string, success bool, usage *parser.Usage, elapsed time.Duration) {
	entry := store.HistoryEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      store.HistoryAuto,
		Summary:   summary,
		Success:   success,
		Usage:     usage,
		Elapsed:   elapsed,
		Timestamp: time.Now().UTC(),
	}
	if c.history != nil {
		if err := c.history.Append(entry); err != nil {
			c.logger.Warn("append batch history", "session", sessionID, "error", err)
		}
	}
	c.bus.Publish(notify.HistoryEntryAdded, sessionID, entry)
}

// summarize returns the first non-empty line of text, truncated to
// maxSummaryLen runes.
func summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxSummaryLen {
			line = string([]rune(line)[:maxSummaryLen]) + "..."
		}
		return line
	}
	return ""
}

func (c *Controller) handleEvent(processID string, ev *parser.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[processID]
	if !ok {
		return
	}
	switch ev.Type {
	case parser.EventText:
		a.text.WriteString(ev.Text)
		if !ev.IsPartial {
			a.text.WriteString("\n")
		}
	case parser.EventError:
		a.failed = true
	case parser.EventResult:
		a.byResult = true
		a.finish(0)
	}
}

func (c *Controller) handleUsage(processID string, usage parser.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.attempts[processID]; ok {
		a.usage.Add(&usage)
	}
}

func (c *Controller) handleExit(processID string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.attempts[processID]; ok {
		a.finish(code)
	}
}

func (c *Controller) publish(r *run) {
	c.mu.RLock()
	st := r.status
	c.mu.RUnlock()
	c.bus.Publish(notify.BatchUpdated, st.SessionID, st)
}
