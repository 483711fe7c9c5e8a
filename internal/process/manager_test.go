package process

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"orchestra/internal/agent"
	"orchestra/internal/parser"
)

func newTestManager(t *testing.T, defs ...agent.Definition) *Manager {
	t.Helper()
	catalog, err := agent.NewCatalog(defs...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	mgr := NewManager(catalog, parser.NewRegistry(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return mgr
}

func waitExit(t *testing.T, mgr *Manager, id string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := mgr.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return code
}

func TestManager_SpawnMissingSessionID(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Spawn(SpawnConfig{Command: "sh"}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestManager_SpawnUnknownAgent(t *testing.T) {
	mgr := newTestManager(t)
	res, err := mgr.Spawn(SpawnConfig{SessionID: "s1", AgentID: "nope"})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if res.Success || res.PID != 0 {
		t.Errorf("expected failed result, got %+v", res)
	}
}

func TestManager_SpawnMissingBinary(t *testing.T) {
	mgr := newTestManager(t)
	res, err := mgr.Spawn(SpawnConfig{SessionID: "s1", Command: "definitely-not-a-binary-xyz"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if res.Success {
		t.Error("expected unsuccessful spawn")
	}
	if mgr.IsRunning("s1") {
		t.Error("failed spawn must not register a process")
	}
}

func TestManager_SpawnInvalidWorkDir(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Spawn(SpawnConfig{SessionID: "s1", Command: "sh", WorkDir: "/nonexistent/path/xyz"})
	if err == nil {
		t.Fatal("expected error for nonexistent work dir")
	}
}

func TestManager_SpawnWorkDirIsFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	mgr := newTestManager(t)
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "s1", Command: "sh", WorkDir: f.Name()}); err == nil {
		t.Fatal("expected error for file path")
	}
}

func TestManager_WriteEchoesThroughCat(t *testing.T) {
	mgr := newTestManager(t)

	var mu sync.Mutex
	var lines []string
	got := make(chan struct{}, 1)
	mgr.OnData(func(id, line string) {
		mu.Lock()
		lines = append(lines, id+":"+line)
		mu.Unlock()
		got <- struct{}{}
	})

	res, err := mgr.Spawn(SpawnConfig{SessionID: "cat-1", Command: "cat"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !res.Success || res.PID <= 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := mgr.Write("cat-1", "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "cat-1:hello" {
		t.Errorf("unexpected lines %v", lines)
	}
}

func TestManager_ExitFollowsOutput(t *testing.T) {
	mgr := newTestManager(t)

	var mu sync.Mutex
	var order []string
	mgr.OnData(func(_, line string) {
		mu.Lock()
		order = append(order, "data:"+line)
		mu.Unlock()
	})
	mgr.OnStderr(func(_, line string) {
		mu.Lock()
		order = append(order, "stderr:"+line)
		mu.Unlock()
	})
	exited := make(chan int, 1)
	mgr.OnExit(func(_ string, code int) {
		mu.Lock()
		order = append(order, "exit")
		mu.Unlock()
		exited <- code
	})

	_, err := mgr.Spawn(SpawnConfig{SessionID: "sh-1", Command: "sh", Args: []string{"-c", "echo one; echo two; echo oops >&2; exit 3"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case code := <-exited:
		if code != 3 {
			t.Errorf("expected exit code 3, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[len(order)-1] != "exit" {
		t.Fatalf("exit must be last of 4 callbacks, got %v", order)
	}
	one, two := -1, -1
	for i, o := range order {
		switch o {
		case "data:one":
			one = i
		case "data:two":
			two = i
		}
	}
	if one < 0 || two < 0 || one > two {
		t.Errorf("expected stdout order preserved, got %v", order)
	}
}

func TestManager_ParsesAgentOutput(t *testing.T) {
	script := `echo '{"type":"step_start","sessionID":"oc-9"}'
echo 'banner'
echo '{"type":"step_finish","sessionID":"oc-9","part":{"reason":"stop","tokens":{"input":5,"output":7}}}'`
	mgr := newTestManager(t, agent.Definition{
		ID:             "fake-opencode",
		Binary:         "sh",
		Delivery:       agent.DeliveryBatch,
		Parser:         "opencode",
		JSONOutputArgs: []string{"-c", script},
	})

	var mu sync.Mutex
	var types []parser.EventType
	var sessionIDs []string
	var usage []parser.Usage
	mgr.OnEvent(func(_ string, ev *parser.AgentEvent) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	mgr.OnSessionID(func(_, agentSessionID string) {
		mu.Lock()
		sessionIDs = append(sessionIDs, agentSessionID)
		mu.Unlock()
	})
	mgr.OnUsage(func(_ string, u parser.Usage) {
		mu.Lock()
		usage = append(usage, u)
		mu.Unlock()
	})

	if _, err := mgr.Spawn(SpawnConfig{SessionID: "p-1", AgentID: "fake-opencode", Options: agent.Options{JSONOutput: true}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitExit(t, mgr, "p-1")

	mu.Lock()
	defer mu.Unlock()
	want := []parser.EventType{parser.EventInit, parser.EventText, parser.EventResult}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	if len(sessionIDs) != 1 || sessionIDs[0] != "oc-9" {
		t.Errorf("expected one session id callback, got %v", sessionIDs)
	}
	if len(usage) != 1 || usage[0].InputTokens != 5 || usage[0].OutputTokens != 7 {
		t.Errorf("unexpected usage %v", usage)
	}
}

func TestManager_KillIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	if mgr.Kill("nonexistent") {
		t.Error("kill of unknown id must report false")
	}

	if _, err := mgr.Spawn(SpawnConfig{SessionID: "k-1", Command: "cat"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !mgr.Kill("k-1") {
		t.Error("expected first kill to report true")
	}
	waitExit(t, mgr, "k-1")
	if mgr.Kill("k-1") {
		t.Error("kill of exited process must report false")
	}
	if mgr.IsRunning("k-1") {
		t.Error("expected process not running")
	}
}

func TestManager_InterruptDeadProcess(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.Interrupt("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := mgr.Spawn(SpawnConfig{SessionID: "i-1", Command: "true"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitExit(t, mgr, "i-1")
	if err := mgr.Interrupt("i-1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := mgr.Write("i-1", "x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning on write, got %v", err)
	}
}

func TestManager_InterruptStopsProcess(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "i-2", Command: "sleep", Args: []string{"30"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := mgr.Interrupt("i-2"); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	waitExit(t, mgr, "i-2")
}

func TestManager_RespawnAfterExit(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "r-1", Command: "cat"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "r-1", Command: "cat"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	mgr.Kill("r-1")
	waitExit(t, mgr, "r-1")
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "r-1", Command: "true"}); err != nil {
		t.Fatalf("respawn after exit: %v", err)
	}
	waitExit(t, mgr, "r-1")
}

func TestManager_SubscribeReplaysHistory(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "h-1", Command: "sh", Args: []string{"-c", "echo a; echo b"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitExit(t, mgr, "h-1")

	subID, _, history, err := mgr.Subscribe("h-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer mgr.Unsubscribe("h-1", subID)

	if len(history) != 3 {
		t.Fatalf("expected 2 lines + exit, got %d", len(history))
	}
	if history[2].Type != OutputExit {
		t.Errorf("expected exit last, got %s", history[2].Type)
	}
}

func TestManager_History(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := mgr.Spawn(SpawnConfig{SessionID: "hist-1", Command: "sh", Args: []string{"-c", "echo only"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitExit(t, mgr, "hist-1")

	history, err := mgr.History("hist-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Data != "only" {
		t.Fatalf("unexpected history %+v", history)
	}
	if _, err := mgr.History("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_SubscribeNotFound(t *testing.T) {
	mgr := newTestManager(t)
	if _, _, _, err := mgr.Subscribe("nonexistent"); err == nil {
		t.Fatal("expected error for nonexistent process")
	}
	// Should not panic.
	mgr.Unsubscribe("nonexistent", "sub-id")
}

func TestManager_UnsubscribeHandler(t *testing.T) {
	mgr := newTestManager(t)
	calls := 0
	var mu sync.Mutex
	off := mgr.OnExit(func(string, int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	off()

	if _, err := mgr.Spawn(SpawnConfig{SessionID: "u-1", Command: "true"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitExit(t, mgr, "u-1")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no calls after unsubscribe, got %d", calls)
	}
}
