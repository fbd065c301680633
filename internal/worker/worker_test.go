package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/dontdude/goxec-cluster/internal/domain"
	"github.com/dontdude/goxec-cluster/internal/platform/metrics"
	"github.com/dontdude/goxec-cluster/internal/platform/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testLanguages = domain.Languages{
	"python": {Command: []string{"python3", "-u"}, Extension: ".py", Image: "python:3.12-alpine"},
}

// fakeSandbox interprets two tiny programs and records every invocation.
type fakeSandbox struct {
	mu    sync.Mutex
	calls []domain.Invocation
	gate  chan struct{}
	panic bool
}

func (f *fakeSandbox) Run(_ context.Context, inv domain.Invocation) domain.Outcome {
	if f.gate != nil {
		<-f.gate
	}
	if f.panic {
		panic("sandbox exploded")
	}
	code, err := os.ReadFile(inv.FilePath)
	if err != nil {
		return domain.Failed(domain.FailureSandboxLaunch, err.Error())
	}

	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	switch string(code) {
	case `print("hi")`:
		return domain.Succeeded("hi\n")
	case "while True: pass":
		return domain.Failed(domain.FailureSandboxTimeout, domain.ReasonTimeout)
	default:
		return domain.Succeeded("")
	}
}

func (f *fakeSandbox) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	s, err := NewStager(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	return s
}

func waitEmpty(t *testing.T, dir string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("staged files left behind: %d", len(entries))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func await(t *testing.T, ch <-chan domain.Outcome) domain.Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
		return domain.Outcome{}
	}
}

func TestStagerWritesUniqueFiles(t *testing.T) {
	s := newTestStager(t)

	a, err := s.Stage("print(1)", ".py")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	b, err := s.Stage("print(2)", ".py")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if a.Name == b.Name {
		t.Fatalf("two stages share name %s", a.Name)
	}
	if filepath.Ext(a.Name) != ".py" || filepath.Dir(a.Path) != s.Dir() {
		t.Errorf("staged file = %+v", a)
	}
	got, _ := os.ReadFile(a.Path)
	if string(got) != "print(1)" {
		t.Errorf("contents = %q", got)
	}

	s.Remove(a)
	s.Remove(a) // already gone
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
}

func TestSupervisorRunsAndCleansUp(t *testing.T) {
	stager := newTestStager(t)
	sandbox := &fakeSandbox{}
	sup := &supervisor{stager: stager, sandbox: sandbox, logger: discardLogger()}

	reply := make(chan domain.Outcome, 1)
	task := domain.Task{ID: "t1", Code: `print("hi")`, Language: "python"}
	sup.supervise(context.Background(), task, testLanguages["python"], reply)

	out := await(t, reply)
	if !out.OK() || out.Output != "hi\n" || out.TaskID != "t1" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(sandbox.calls) != 1 {
		t.Fatalf("sandbox calls = %d, want 1", len(sandbox.calls))
	}
	inv := sandbox.calls[0]
	if inv.Image != "python:3.12-alpine" || inv.Command[0] != "python3" || filepath.Ext(inv.FilePath) != ".py" {
		t.Errorf("invocation = %+v", inv)
	}
	waitEmpty(t, stager.Dir())
}

func TestSupervisorStagingFailure(t *testing.T) {
	stager := newTestStager(t)
	os.RemoveAll(stager.Dir())
	sandbox := &fakeSandbox{}
	sup := &supervisor{stager: stager, sandbox: sandbox, logger: discardLogger()}

	reply := make(chan domain.Outcome, 1)
	sup.supervise(context.Background(), domain.Task{ID: "t1", Code: "x", Language: "python"}, testLanguages["python"], reply)

	out := await(t, reply)
	if out.Kind != domain.FailureStaging {
		t.Fatalf("outcome = %+v, want staging failure", out)
	}
	if sandbox.callCount() != 0 {
		t.Error("sandbox must not run when staging fails")
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	stager := newTestStager(t)
	sup := &supervisor{stager: stager, sandbox: &fakeSandbox{panic: true}, logger: discardLogger()}

	reply := make(chan domain.Outcome, 1)
	sup.supervise(context.Background(), domain.Task{ID: "t1", Code: "x", Language: "python"}, testLanguages["python"], reply)

	out := await(t, reply)
	if out.Kind != domain.FailureInternal || out.Reason != "internal error" {
		t.Fatalf("outcome = %+v", out)
	}
	select {
	case extra := <-reply:
		t.Fatalf("second reply %+v", extra)
	default:
	}
	waitEmpty(t, stager.Dir())
}

func newTestPool(t *testing.T, cfg PoolConfig, sandbox domain.Sandbox) (*Pool, *Stager) {
	t.Helper()
	stager := newTestStager(t)
	if cfg.Languages == nil {
		cfg.Languages = testLanguages
	}
	p := NewPool("p1", cfg, sandbox, stager, discardLogger())
	t.Cleanup(p.Stop)
	return p, stager
}

func TestPoolExecutesTasks(t *testing.T) {
	sandbox := &fakeSandbox{}
	p, stager := newTestPool(t, PoolConfig{Size: 2, MailboxSize: 2}, sandbox)
	p.Start(context.Background())

	cases := []struct {
		code string
		want domain.Outcome
	}{
		{`print("hi")`, domain.Succeeded("hi\n")},
		{"while True: pass", domain.Failed(domain.FailureSandboxTimeout, domain.ReasonTimeout)},
	}
	for i, tc := range cases {
		reply := make(chan domain.Outcome, 1)
		id := string(rune('a' + i))
		if err := p.Submit(domain.Task{ID: id, Code: tc.code, Language: "python", Reply: reply}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		got := await(t, reply)
		if got != tc.want.For(id) {
			t.Errorf("%q: outcome = %+v, want %+v", tc.code, got, tc.want.For(id))
		}
	}
	waitEmpty(t, stager.Dir())
}

func TestPoolUnsupportedLanguage(t *testing.T) {
	sandbox := &fakeSandbox{}
	p, stager := newTestPool(t, PoolConfig{Size: 1, MailboxSize: 1}, sandbox)
	p.Start(context.Background())

	reply := make(chan domain.Outcome, 1)
	p.Submit(domain.Task{ID: "t1", Code: "DISPLAY 'HI'.", Language: "cobol", Reply: reply})

	out := await(t, reply)
	if out.Kind != domain.FailureUnsupportedLanguage || out.Reason != "unsupported language: cobol" {
		t.Fatalf("outcome = %+v", out)
	}
	if sandbox.callCount() != 0 {
		t.Error("sandbox ran for an unsupported language")
	}
	if entries, _ := os.ReadDir(stager.Dir()); len(entries) != 0 {
		t.Error("a file was staged for an unsupported language")
	}
}

func TestPoolSaturation(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{Size: 2, MailboxSize: 1}, &fakeSandbox{})

	// Not started: mailboxes fill in round-robin order.
	replies := make([]chan domain.Outcome, 2)
	for i := range replies {
		replies[i] = make(chan domain.Outcome, 1)
		if err := p.Submit(domain.Task{ID: "t", Code: `print("hi")`, Language: "python", Reply: replies[i]}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	err := p.Submit(domain.Task{ID: "overflow", Language: "python", Reply: make(chan domain.Outcome, 1)})
	if !errors.Is(err, domain.ErrPoolSaturated) {
		t.Fatalf("err = %v, want ErrPoolSaturated", err)
	}

	p.Start(context.Background())
	for _, r := range replies {
		if out := await(t, r); !out.OK() {
			t.Errorf("queued task failed: %+v", out)
		}
	}
}

func restarts(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.WorkerRestarts.Write(&m); err != nil {
		t.Fatalf("reading restarts: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPoolRestartsPanickedWorker(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{Size: 1, MailboxSize: 2}, &fakeSandbox{})
	before := restarts(t)
	p.Start(context.Background())

	broken := make(chan domain.Outcome, 1)
	close(broken)
	p.Submit(domain.Task{ID: "bad", Language: "cobol", Reply: broken})

	reply := make(chan domain.Outcome, 1)
	p.Submit(domain.Task{ID: "good", Code: `print("hi")`, Language: "python", Reply: reply})
	if out := await(t, reply); out.Output != "hi\n" {
		t.Fatalf("outcome after restart = %+v", out)
	}
	if got := restarts(t) - before; got != 1 {
		t.Errorf("restarts = %v, want 1", got)
	}
}

func TestPoolStopDrainsAndRejects(t *testing.T) {
	sandbox := &fakeSandbox{gate: make(chan struct{})}
	p, _ := newTestPool(t, PoolConfig{Size: 1, MailboxSize: 1}, sandbox)
	p.Start(context.Background())

	reply := make(chan domain.Outcome, 1)
	p.Submit(domain.Task{ID: "t1", Code: `print("hi")`, Language: "python", Reply: reply})

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	close(sandbox.gate)
	<-stopped

	if out := await(t, reply); !out.OK() {
		t.Fatalf("in-flight task lost on stop: %+v", out)
	}
	if err := p.Submit(domain.Task{ID: "late", Reply: make(chan domain.Outcome, 1)}); !errors.Is(err, domain.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestConsumerRelaysOutcomes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := queue.NewMemoryQueue()
	p, _ := newTestPool(t, PoolConfig{Size: 2, MailboxSize: 2}, &fakeSandbox{})
	p.Start(ctx)

	handle := domain.PoolHandle{ID: "p1", Stream: queue.StreamName("p1"), Size: 2}
	consumerCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- NewConsumer(q, p, handle, discardLogger()).Run(consumerCtx) }()

	replies, _ := q.SubscribeReplies(ctx, queue.ReplyChannel("gw"))
	if err := q.Send(ctx, handle, domain.Task{ID: "t1", Code: `print("hi")`, Language: "python", ReplyTo: queue.ReplyChannel("gw")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	out := await(t, replies)
	if out.TaskID != "t1" || out.Output != "hi\n" {
		t.Fatalf("outcome = %+v", out)
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !q.Acked("1") {
		t.Error("answered task was not acknowledged")
	}
}

func TestConsumerAnswersSaturation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := queue.NewMemoryQueue()
	// Never started and unbuffered: every submit is rejected.
	p, _ := newTestPool(t, PoolConfig{Size: 1, MailboxSize: 0}, &fakeSandbox{})

	handle := domain.PoolHandle{ID: "p1", Stream: queue.StreamName("p1"), Size: 1}
	go NewConsumer(q, p, handle, discardLogger()).Run(ctx)

	replies, _ := q.SubscribeReplies(ctx, queue.ReplyChannel("gw"))
	q.Send(ctx, handle, domain.Task{ID: "t1", Language: "python", ReplyTo: queue.ReplyChannel("gw")})

	out := await(t, replies)
	if out.Kind != domain.FailurePoolSaturated || out.TaskID != "t1" {
		t.Fatalf("outcome = %+v", out)
	}
}
