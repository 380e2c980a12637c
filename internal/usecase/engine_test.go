package usecase

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/usecase/queue"
	"taskmill/internal/usecase/scheduling"
)

type memScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]domain.Schedule
}

func newMemScheduleStore() *memScheduleStore {
	return &memScheduleStore{schedules: make(map[string]domain.Schedule)}
}

func (s *memScheduleStore) Save(_ context.Context, sched domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched
	return nil
}

func (s *memScheduleStore) Get(_ context.Context, id string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	copied := sched
	return &copied, nil
}

func (s *memScheduleStore) List(_ context.Context) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Schedule
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	return out, nil
}

func (s *memScheduleStore) ListEnabled(ctx context.Context) ([]domain.Schedule, error) {
	return s.List(ctx)
}

func (s *memScheduleStore) ListIntervalDue(context.Context, time.Time) ([]domain.Schedule, error) {
	return nil, nil
}

func (s *memScheduleStore) ListPauseExpired(context.Context, time.Time) ([]domain.Schedule, error) {
	return nil, nil
}

func (s *memScheduleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *memScheduleStore) SetRunTimes(context.Context, string, *time.Time, *time.Time) error {
	return nil
}

func (s *memScheduleStore) ClearPause(context.Context, string) error { return nil }

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]domain.TaskRun
}

func newMemRunStore() *memRunStore { return &memRunStore{runs: make(map[string]domain.TaskRun)} }

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
	s.runs[run.ID] = *run
	return nil
}

func (s *memRunStore) ListBySchedule(context.Context, string, int) ([]domain.TaskRun, error) {
	return nil, nil
}

func (s *memRunStore) ListActive(context.Context) ([]domain.TaskRun, error) { return nil, nil }

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	return &domain.ExecuteResult{Text: "ok"}, nil
}

type noopResolver struct{}

func (noopResolver) Resolve(context.Context, []domain.ContextSourceSpec, string) domain.ResolvedContext {
	return domain.ResolvedContext{}
}
func (noopResolver) Apply(prompt string, _ domain.ResolvedContext) string { return prompt }

type noopSessions struct{}

func (noopSessions) CreateSession(context.Context, string) (*domain.Session, error) {
	return &domain.Session{ID: "sess-1"}, nil
}
func (noopSessions) GetSession(context.Context, string) (*domain.Session, error) {
	return nil, domain.ErrSessionNotFound
}
func (noopSessions) AppendPromptMessage(context.Context, string, string, string) error { return nil }
func (noopSessions) AppendAssistantMessage(context.Context, string, string, string) error {
	return nil
}
func (noopSessions) LatestAssistantText(context.Context, string) (string, error) { return "", nil }
func (noopSessions) ListMessages(context.Context, string, int) ([]domain.Message, error) {
	return nil, nil
}

type noopSkills struct{}

func (noopSkills) Get(context.Context, string) (*domain.Skill, error) {
	return nil, domain.ErrNotFound
}
func (noopSkills) RecordRun(context.Context, string, bool) error { return nil }

type noopDeliverer struct{}

func (noopDeliverer) Dispatch(context.Context, domain.DeliveryConfig, domain.DeliveryPayload) error {
	return nil
}

func newTestEngine() (*Engine, *memScheduleStore) {
	logger := slog.New(slog.DiscardHandler)
	schedules := newMemScheduleStore()
	runs := newMemRunStore()
	q := queue.New(runs, noopSessions{}, noopSkills{}, noopExecutor{}, noopResolver{},
		noopDeliverer{}, queue.Config{}, logger)
	sched := scheduling.NewService(schedules, runs, q, scheduling.Config{SweepInterval: time.Hour}, logger)
	return NewEngine(schedules, runs, sched, q, logger), schedules
}

func validSchedule() domain.Schedule {
	return domain.Schedule{
		Name:           "digest",
		AgentID:        "agent-1",
		Kind:           domain.ScheduleCron,
		Expression:     "0 9 * * *",
		Enabled:        true,
		PromptTemplate: "summarize",
	}
}

func TestCreateScheduleAssignsID(t *testing.T) {
	engine, store := newTestEngine()
	got, err := engine.CreateSchedule(context.Background(), validSchedule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected generated ID")
	}
	if _, err := store.Get(context.Background(), got.ID); err != nil {
		t.Fatalf("schedule not persisted: %v", err)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.Schedule)
	}{
		{"missing name", func(s *domain.Schedule) { s.Name = "" }},
		{"missing agent", func(s *domain.Schedule) { s.AgentID = "" }},
		{"missing prompt", func(s *domain.Schedule) { s.PromptTemplate = "" }},
		{"bad expression", func(s *domain.Schedule) { s.Expression = "not cron" }},
		{"bad timezone", func(s *domain.Schedule) { s.Timezone = "Mars/Olympus" }},
		{"bad local timezone", func(s *domain.Schedule) { s.Timezone = domain.LocalZonePrefix + "Nowhere/Void" }},
		{"unknown kind", func(s *domain.Schedule) { s.Kind = "hourly" }},
		{"interval without minutes", func(s *domain.Schedule) {
			s.Kind = domain.ScheduleInterval
			s.IntervalMinutes = 0
		}},
		{"once without run_at", func(s *domain.Schedule) {
			s.Kind = domain.ScheduleOnce
			s.RunAt = nil
		}},
	}
	for _, tc := range cases {
		sched := validSchedule()
		tc.mutate(&sched)
		if _, err := engine.CreateSchedule(ctx, sched); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestCreateScheduleAcceptsLocalZoneMarker(t *testing.T) {
	engine, _ := newTestEngine()
	sched := validSchedule()
	sched.Timezone = domain.LocalZonePrefix + "America/New_York"
	if _, err := engine.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create with local:: zone: %v", err)
	}
}

func TestUpdateSchedulePreservesCreatedAt(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	created, err := engine.CreateSchedule(ctx, validSchedule())
	if err != nil {
		t.Fatal(err)
	}

	updated := *created
	updated.Name = "renamed"
	got, err := engine.UpdateSchedule(ctx, updated)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("created_at must be preserved on update")
	}
	if got.Name != "renamed" {
		t.Fatalf("name = %q", got.Name)
	}
}

func TestUpdateMissingSchedule(t *testing.T) {
	engine, _ := newTestEngine()
	sched := validSchedule()
	sched.ID = "ghost"
	if _, err := engine.UpdateSchedule(context.Background(), sched); err == nil {
		t.Fatal("expected error for missing schedule")
	}
}

func TestDeleteScheduleRemovesIt(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	created, err := engine.CreateSchedule(ctx, validSchedule())
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.DeleteSchedule(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, created.ID); err == nil {
		t.Fatal("schedule still present after delete")
	}
	if err := engine.DeleteSchedule(ctx, created.ID); err == nil {
		t.Fatal("expected error deleting missing schedule")
	}
}

func TestTriggerNowMissingSchedule(t *testing.T) {
	engine, _ := newTestEngine()
	if err := engine.TriggerNow(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for missing schedule")
	}
}
