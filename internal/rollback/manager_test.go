package rollback

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/agentgov/agentgov/internal/agentlock"
	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/deploy"
	"github.com/agentgov/agentgov/internal/evolution"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/storage"
)

func testLogger() *observability.Logger {
	return observability.NewLogger("test", io.Discard)
}

type fixture struct {
	store   *storage.SQLiteStore
	sink    *audit.MemorySink
	deploys []string // version IDs pushed to the runtime
	manager *Manager
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store: store,
		sink:  audit.NewMemorySink(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	deployer := deploy.Func(func(ctx context.Context, agentID string, c evolution.CandidateVersion) error {
		f.deploys = append(f.deploys, c.VersionID)
		return nil
	})
	f.manager = New(store, deployer, audit.NewRecorder(f.sink, testLogger()),
		agentlock.New(), testLogger(), nil)
	f.manager.now = func() time.Time { return f.now }
	return f
}

// addDeployed inserts a DEPLOYED evolution with the given recorded score and
// deployment age.
func (f *fixture) addDeployed(t *testing.T, id, versionID string, score float64, age time.Duration) {
	t.Helper()
	deployedAt := f.now.Add(-age)
	evo := &evolution.Evolution{
		EvolutionID: id,
		AgentID:     "agent-1",
		Candidate:   evolution.CandidateVersion{VersionID: versionID, PerformanceScore: 0.9},
		RequesterID: "user-1",
		Priority:    evolution.PriorityMedium,
		Status:      evolution.StatusDeployed,
		Evaluation:  &evolution.EvaluationResult{TotalScore: score},
		CreatedAt:   deployedAt,
		DeployedAt:  deployedAt,
	}
	if err := f.store.CreateEvolution(context.Background(), evo); err != nil {
		t.Fatal(err)
	}
}

func TestRollback_RedeploysPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDeployed(t, "evo-1", "v1", 0.96, 48*time.Hour)
	f.addDeployed(t, "evo-2", "v2", 0.97, time.Hour)

	result, err := f.manager.Rollback(ctx, "agent-1", "elevated error rate", "inc-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.FromVersion != "v2" || result.ToVersion != "v1" {
		t.Errorf("result = %+v", result)
	}
	if len(f.deploys) != 1 || f.deploys[0] != "v1" {
		t.Errorf("deploys = %v, want [v1]", f.deploys)
	}

	// The replaced evolution left the deployed slot.
	current, err := f.store.GetEvolution(ctx, "evo-2")
	if err != nil {
		t.Fatal(err)
	}
	if current.Status != evolution.StatusRolledBack {
		t.Errorf("replaced status = %s", current.Status)
	}

	// A new ROLLED_BACK record exists with the incident key.
	record, err := f.store.GetEvolution(ctx, result.EvolutionID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != evolution.StatusRolledBack || record.IncidentKey != "inc-1" {
		t.Errorf("record = %+v", record)
	}
	if record.RequesterID != "system" {
		t.Errorf("requester = %q", record.RequesterID)
	}

	events := f.sink.Events()
	if len(events) != 1 || events[0].Type != audit.EventRollback || events[0].Severity != audit.SeverityCritical {
		t.Errorf("audit = %+v", events)
	}
}

func TestRollback_NoPriorVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Rollback(ctx, "agent-1", "panic loop", "")
	var noPrior *evolution.NoPriorVersionError
	if !errors.As(err, &noPrior) {
		t.Fatalf("no deployments: err = %v", err)
	}

	// A single deployed version has nothing to fall back to either.
	f.addDeployed(t, "evo-1", "v1", 0.96, time.Hour)
	_, err = f.manager.Rollback(ctx, "agent-1", "panic loop", "")
	if !errors.As(err, &noPrior) {
		t.Fatalf("single deployment: err = %v", err)
	}
	if len(f.deploys) != 0 {
		t.Errorf("deploys = %v, want none", f.deploys)
	}
}

func TestRollback_UnsafeScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDeployed(t, "evo-1", "v1", 0.60, 48*time.Hour) // below the 0.7 floor
	f.addDeployed(t, "evo-2", "v2", 0.97, time.Hour)

	_, err := f.manager.Rollback(ctx, "agent-1", "regression", "")
	var unsafe *evolution.UnsafeVersionError
	if !errors.As(err, &unsafe) {
		t.Fatalf("err = %v", err)
	}
	if unsafe.VersionID != "v1" {
		t.Errorf("unsafe version = %q", unsafe.VersionID)
	}
	if len(f.deploys) != 0 {
		t.Error("unsafe target must not be deployed")
	}

	// Nothing changed state.
	current, _ := f.store.GetEvolution(ctx, "evo-2")
	if current.Status != evolution.StatusDeployed {
		t.Errorf("current status = %s", current.Status)
	}
}

func TestRollback_StaleTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDeployed(t, "evo-1", "v1", 0.96, 31*24*time.Hour) // past the 30 day window
	f.addDeployed(t, "evo-2", "v2", 0.97, time.Hour)

	_, err := f.manager.Rollback(ctx, "agent-1", "regression", "")
	var unsafe *evolution.UnsafeVersionError
	if !errors.As(err, &unsafe) {
		t.Fatalf("err = %v", err)
	}
	if len(f.deploys) != 0 {
		t.Error("stale target must not be deployed")
	}
}

func TestRollback_MissingEvaluationIsUnsafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A deployed row with no recorded evaluation scores 0.0.
	old := &evolution.Evolution{
		EvolutionID: "evo-1",
		AgentID:     "agent-1",
		Candidate:   evolution.CandidateVersion{VersionID: "v1"},
		RequesterID: "user-1",
		Priority:    evolution.PriorityMedium,
		Status:      evolution.StatusDeployed,
		CreatedAt:   f.now.Add(-time.Hour),
		DeployedAt:  f.now.Add(-time.Hour),
	}
	if err := f.store.CreateEvolution(ctx, old); err != nil {
		t.Fatal(err)
	}
	f.addDeployed(t, "evo-2", "v2", 0.97, time.Minute)

	var unsafe *evolution.UnsafeVersionError
	if _, err := f.manager.Rollback(ctx, "agent-1", "regression", ""); !errors.As(err, &unsafe) {
		t.Fatalf("err = %v", err)
	}
}

func TestRollback_IncidentKeyDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDeployed(t, "evo-1", "v1", 0.96, 48*time.Hour)
	f.addDeployed(t, "evo-2", "v2", 0.97, time.Hour)

	first, err := f.manager.Rollback(ctx, "agent-1", "error spike", "inc-7")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.manager.Rollback(ctx, "agent-1", "error spike", "inc-7")
	if err != nil {
		t.Fatal(err)
	}

	if second.EvolutionID != first.EvolutionID {
		t.Errorf("retry produced a new record: %s vs %s", second.EvolutionID, first.EvolutionID)
	}
	if len(f.deploys) != 1 {
		t.Errorf("retry redeployed: %v", f.deploys)
	}
	if events := f.sink.Events(); len(events) != 1 {
		t.Errorf("retry re-audited: %d events", len(events))
	}
}

func TestRollback_DeployFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDeployed(t, "evo-1", "v1", 0.96, 48*time.Hour)
	f.addDeployed(t, "evo-2", "v2", 0.97, time.Hour)

	f.manager.deployer = deploy.Func(func(ctx context.Context, agentID string, c evolution.CandidateVersion) error {
		return errors.New("runtime unreachable")
	})

	_, err := f.manager.Rollback(ctx, "agent-1", "regression", "inc-9")
	var infra *evolution.InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("err = %v", err)
	}

	// No rollback record was written, so the incident key stays usable.
	if record, err := f.store.FindByIncidentKey(ctx, "agent-1", "inc-9"); err != nil || record != nil {
		t.Errorf("failed rollback left a record: %+v, %v", record, err)
	}
	current, _ := f.store.GetEvolution(ctx, "evo-2")
	if current.Status != evolution.StatusDeployed {
		t.Errorf("current status = %s", current.Status)
	}
}
