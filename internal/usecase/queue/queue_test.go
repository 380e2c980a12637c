package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"taskmill/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// --- fakes ---

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]domain.TaskRun
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]domain.TaskRun)}
}

func (s *memRunStore) Create(_ context.Context, run *domain.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memRunStore) Get(_ context.Context, id string) (*domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	copied := run
	return &copied, nil
}

func (s *memRunStore) Update(_ context.Context, run *domain.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return domain.ErrRunNotFound
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memRunStore) ListBySchedule(_ context.Context, scheduleID string, _ int) ([]domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TaskRun
	for _, run := range s.runs {
		if run.ScheduleID == scheduleID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *memRunStore) ListActive(_ context.Context) ([]domain.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TaskRun
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *memRunStore) status(t *testing.T, id string) domain.RunStatus {
	t.Helper()
	run, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get run %s: %v", id, err)
	}
	return run.Status
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	messages []domain.Message
	nextID   int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]domain.Session)}
}

func (s *memSessionStore) CreateSession(_ context.Context, agentID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sess := domain.Session{ID: fmt.Sprintf("sess-%d", s.nextID), AgentID: agentID, CreatedAt: time.Now()}
	s.sessions[sess.ID] = sess
	return &sess, nil
}

func (s *memSessionStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &sess, nil
}

func (s *memSessionStore) AppendPromptMessage(_ context.Context, sessionID, runID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.SessionID == sessionID && msg.RunID == runID && msg.Role == domain.RoleUser {
			return nil // idempotent
		}
	}
	s.messages = append(s.messages, domain.Message{
		SessionID: sessionID, RunID: runID, Role: domain.RoleUser, Content: content,
	})
	return nil
}

func (s *memSessionStore) AppendAssistantMessage(_ context.Context, sessionID, runID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, domain.Message{
		SessionID: sessionID, RunID: runID, Role: domain.RoleAssistant, Content: content,
	})
	return nil
}

func (s *memSessionStore) LatestAssistantText(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].SessionID == sessionID && s.messages[i].Role == domain.RoleAssistant {
			return s.messages[i].Content, nil
		}
	}
	return "", nil
}

func (s *memSessionStore) ListMessages(_ context.Context, sessionID string, _ int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out, nil
}

type memSkillStore struct {
	mu     sync.Mutex
	skills map[string]*domain.Skill
}

func newMemSkillStore() *memSkillStore {
	return &memSkillStore{skills: make(map[string]*domain.Skill)}
}

func (s *memSkillStore) Get(_ context.Context, name string) (*domain.Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skill, ok := s.skills[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *skill
	return &copied, nil
}

func (s *memSkillStore) RecordRun(_ context.Context, name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	skill, ok := s.skills[name]
	if !ok {
		skill = &domain.Skill{Name: name}
		s.skills[name] = skill
	}
	skill.RunCount++
	if success {
		skill.SuccessCount++
	} else {
		skill.FailureCount++
	}
	return nil
}

// fakeExecutor runs a configurable function per call and counts invocations.
type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecuteResult, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(ctx, req)
	}
	return &domain.ExecuteResult{Text: "ok"}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type noopResolver struct{}

func (noopResolver) Resolve(context.Context, []domain.ContextSourceSpec, string) domain.ResolvedContext {
	return domain.ResolvedContext{}
}
func (noopResolver) Apply(prompt string, _ domain.ResolvedContext) string { return prompt }

type recordingDeliverer struct {
	mu       sync.Mutex
	payloads []domain.DeliveryPayload
}

func (d *recordingDeliverer) Dispatch(_ context.Context, _ domain.DeliveryConfig, p domain.DeliveryPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return nil
}

// --- helpers ---

func newTestQueue(runs domain.RunStore, exec domain.Executor, cfg Config) *TaskQueue {
	return New(runs, newMemSessionStore(), newMemSkillStore(), exec, noopResolver{},
		&recordingDeliverer{}, cfg, testLogger())
}

func makeRun(id, scheduleID string) domain.TaskRun {
	now := time.Now()
	return domain.TaskRun{
		ID:             id,
		ScheduleID:     scheduleID,
		Status:         domain.RunPending,
		ScheduledFor:   now,
		AttemptNumber:  1,
		ResolvedPrompt: "do the thing",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func makeSchedule(id string, priority domain.Priority) domain.Schedule {
	return domain.Schedule{
		ID:       id,
		Name:     "sched " + id,
		AgentID:  "agent-1",
		Kind:     domain.ScheduleCron,
		Enabled:  true,
		Priority: priority,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// --- tests ---

func TestBackoffDelayDoubles(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{0, 5 * time.Second}, // clamped
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%v, %d) = %v, want %v", base, tc.attempt, got, tc.want)
		}
	}
}

func TestEnqueueOrdersByPriority(t *testing.T) {
	runs := newMemRunStore()
	q := newTestQueue(runs, &fakeExecutor{}, Config{})
	ctx := context.Background()

	for i, prio := range []domain.Priority{domain.PriorityNormal, domain.PriorityNormal, domain.PriorityHigh} {
		run := makeRun(fmt.Sprintf("run-%d", i+1), "s1")
		if err := runs.Create(ctx, &run); err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(ctx, run, makeSchedule("s1", prio)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	q.mu.Lock()
	got := []string{q.items[0].RunID, q.items[1].RunID, q.items[2].RunID}
	q.mu.Unlock()

	want := []string{"run-3", "run-1", "run-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", got, want)
		}
	}
}

func TestEnqueueMarksRunQueued(t *testing.T) {
	runs := newMemRunStore()
	q := newTestQueue(runs, &fakeExecutor{}, Config{})
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, run, makeSchedule("s1", domain.PriorityNormal)); err != nil {
		t.Fatal(err)
	}
	if got := runs.status(t, "run-1"); got != domain.RunQueued {
		t.Fatalf("status = %s, want %s", got, domain.RunQueued)
	}
}

func TestCancelQueuedTaskNeverExecutes(t *testing.T) {
	runs := newMemRunStore()
	exec := &fakeExecutor{}
	q := newTestQueue(runs, exec, Config{})
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, run, makeSchedule("s1", domain.PriorityNormal)); err != nil {
		t.Fatal(err)
	}

	if err := q.Cancel(ctx, "run-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := runs.status(t, "run-1"); got != domain.RunCancelled {
		t.Fatalf("status = %s, want %s", got, domain.RunCancelled)
	}
	if q.Size() != 0 {
		t.Fatalf("queue size = %d, want 0", q.Size())
	}
	if exec.callCount() != 0 {
		t.Fatalf("executor called %d times, want 0", exec.callCount())
	}
}

func TestCancelUnknownRun(t *testing.T) {
	q := newTestQueue(newMemRunStore(), &fakeExecutor{}, Config{})
	err := q.Cancel(context.Background(), "nope")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestCancelRunningTaskEndsCancelled(t *testing.T) {
	runs := newMemRunStore()
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ domain.ExecuteRequest) (*domain.ExecuteResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := newTestQueue(runs, exec, Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	sched := makeSchedule("s1", domain.PriorityNormal)
	sched.MaxRetries = 3 // explicit cancel must still not retry
	if err := q.Enqueue(ctx, run, sched); err != nil {
		t.Fatal(err)
	}

	q.Start(ctx)
	defer q.Stop()

	<-started
	if err := q.Cancel(ctx, "run-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return runs.status(t, "run-1") == domain.RunCancelled
	})
	if exec.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1 (no retry after cancel)", exec.callCount())
	}
}

func TestFailureRetriesThenFailsTerminally(t *testing.T) {
	runs := newMemRunStore()
	exec := &fakeExecutor{fn: func(context.Context, domain.ExecuteRequest) (*domain.ExecuteResult, error) {
		return nil, errors.New("backend exploded")
	}}
	q := newTestQueue(runs, exec, Config{
		TickInterval:   5 * time.Millisecond,
		BaseRetryDelay: 5 * time.Millisecond,
	})
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	sched := makeSchedule("s1", domain.PriorityNormal)
	sched.MaxRetries = 3
	if err := q.Enqueue(ctx, run, sched); err != nil {
		t.Fatal(err)
	}

	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return runs.status(t, "run-1") == domain.RunFailed
	})

	final, err := runs.Get(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.AttemptNumber != 3 {
		t.Errorf("attempt number = %d, want 3", final.AttemptNumber)
	}
	if exec.callCount() != 3 {
		t.Errorf("executor called %d times, want 3", exec.callCount())
	}
	if final.Error == "" {
		t.Error("expected error recorded on run")
	}
}

func TestDeadlineExceededEndsAsTimeout(t *testing.T) {
	runs := newMemRunStore()
	exec := &fakeExecutor{fn: func(ctx context.Context, _ domain.ExecuteRequest) (*domain.ExecuteResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := newTestQueue(runs, exec, Config{
		TickInterval:   5 * time.Millisecond,
		BaseRetryDelay: 5 * time.Millisecond,
	})
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	sched := makeSchedule("s1", domain.PriorityNormal)
	sched.MaxRetries = 1
	sched.TimeoutMs = 20
	if err := q.Enqueue(ctx, run, sched); err != nil {
		t.Fatal(err)
	}

	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return runs.status(t, "run-1").Terminal()
	})
	if got := runs.status(t, "run-1"); got != domain.RunTimeout {
		t.Fatalf("status = %s, want %s", got, domain.RunTimeout)
	}
}

func TestSuccessRecordsSummaryAndDelivers(t *testing.T) {
	runs := newMemRunStore()
	deliverer := &recordingDeliverer{}
	exec := &fakeExecutor{fn: func(context.Context, domain.ExecuteRequest) (*domain.ExecuteResult, error) {
		return &domain.ExecuteResult{Text: "all done", BackendRunID: "b-1"}, nil
	}}
	skills := newMemSkillStore()
	q := New(runs, newMemSessionStore(), skills, exec, noopResolver{}, deliverer,
		Config{TickInterval: 5 * time.Millisecond}, testLogger())
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	sched := makeSchedule("s1", domain.PriorityNormal)
	sched.SkillName = "daily-digest"
	sched.Delivery = domain.DeliveryConfig{Method: domain.DeliverWebhook, WebhookURL: "http://example.test"}
	if err := q.Enqueue(ctx, run, sched); err != nil {
		t.Fatal(err)
	}

	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return runs.status(t, "run-1") == domain.RunSucceeded
	})

	final, _ := runs.Get(ctx, "run-1")
	if final.ResultSummary != "all done" {
		t.Errorf("summary = %q", final.ResultSummary)
	}
	if final.SessionID == "" {
		t.Error("expected session recorded on run")
	}

	waitFor(t, 2*time.Second, func() bool {
		deliverer.mu.Lock()
		defer deliverer.mu.Unlock()
		return len(deliverer.payloads) == 1
	})
	deliverer.mu.Lock()
	payload := deliverer.payloads[0]
	deliverer.mu.Unlock()
	if payload.FullText != "all done" || payload.Status != domain.RunSucceeded {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Metadata["backend_run_id"] != "b-1" {
		t.Errorf("metadata = %v", payload.Metadata)
	}

	skill, err := skills.Get(ctx, "daily-digest")
	if err != nil {
		t.Fatal(err)
	}
	if skill.RunCount != 1 || skill.SuccessCount != 1 {
		t.Errorf("skill counters = %+v", skill)
	}
}

func TestCancelPendingRetryStopsIt(t *testing.T) {
	runs := newMemRunStore()
	exec := &fakeExecutor{fn: func(context.Context, domain.ExecuteRequest) (*domain.ExecuteResult, error) {
		return nil, errors.New("flaky")
	}}
	q := newTestQueue(runs, exec, Config{
		TickInterval:   5 * time.Millisecond,
		BaseRetryDelay: time.Hour, // retry stays pending long enough to cancel
	})
	ctx := context.Background()

	run := makeRun("run-1", "s1")
	if err := runs.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}
	sched := makeSchedule("s1", domain.PriorityNormal)
	sched.MaxRetries = 3
	if err := q.Enqueue(ctx, run, sched); err != nil {
		t.Fatal(err)
	}

	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return q.GetStats().PendingRetry == 1
	})
	if err := q.Cancel(ctx, "run-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := runs.status(t, "run-1"); got != domain.RunCancelled {
		t.Fatalf("status = %s, want %s", got, domain.RunCancelled)
	}
	if q.GetStats().PendingRetry != 0 {
		t.Fatal("retry timer still registered after cancel")
	}
}

func TestSummarizeTruncatesLongText(t *testing.T) {
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := summarize(string(long))
	if len([]rune(got)) != 501 {
		t.Fatalf("summary length = %d, want 501", len([]rune(got)))
	}
	if got[:500] != string(long[:500]) {
		t.Fatal("summary does not preserve prefix")
	}

	if summarize("short") != "short" {
		t.Fatal("short text should be untouched")
	}
}
