//go:build integration

package postgres_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/postgres/migrations"
)

var testDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("tasklane"),
		tcPostgres.WithUsername("tasklane"),
		tcPostgres.WithPassword("tasklane"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	testDSN, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	if err := applyMigrations(ctx, testDSN); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	return m.Run()
}

func applyMigrations(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return err
		}
	}
	return nil
}

// newPool connects to the test container and truncates on cleanup.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE tasks, task_requirements, task_dependencies, task_groups, artifacts CASCADE") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func makeTask(taskID string) *domain.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Task{
		TaskID: taskID,
		TaskDefinition: domain.TaskDefinition{
			ProvisionerID: "test-prov",
			WorkerType:    "test-worker",
			SchedulerID:   "-",
			TaskGroupID:   taskID,
			Requires:      domain.RequiresAllCompleted,
			Priority:      domain.PriorityLowest,
			Retries:       5,
			Created:       now,
			Deadline:      now.Add(time.Hour),
			Expires:       now.Add(24 * time.Hour),
			Metadata:      domain.TaskMetadata{Name: "test"},
		},
		RetriesLeft: 5,
	}
}

func TestTaskStore_CreateGet(t *testing.T) {
	pool := newPool(t)
	store := postgres.NewTaskStore(pool)
	ctx := context.Background()

	task := makeTask(uuid.New().String())
	stored, created, err := store.Create(ctx, task)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.Version)

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, domain.TaskStateUnscheduled, got.State())
	assert.Equal(t, 5, got.RetriesLeft)

	// Second create is a no-op returning the stored task.
	_, created, err = store.Create(ctx, task)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestTaskStore_GetNotFound(t *testing.T) {
	pool := newPool(t)
	store := postgres.NewTaskStore(pool)

	_, err := store.Get(context.Background(), uuid.New().String())
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestTaskStore_ModifyBumpsVersion(t *testing.T) {
	pool := newPool(t)
	store := postgres.NewTaskStore(pool)
	ctx := context.Background()

	task := makeTask(uuid.New().String())
	_, _, err := store.Create(ctx, task)
	require.NoError(t, err)

	modified, err := store.Modify(ctx, task.TaskID, func(t *domain.Task) error {
		t.AppendRun(domain.ReasonScheduled, time.Now())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), modified.Version)
	assert.Equal(t, "pending", modified.State())

	got, err := store.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Len(t, got.Runs, 1)
}

func TestDependencyStore_EdgeLifecycle(t *testing.T) {
	pool := newPool(t)
	deps := postgres.NewDependencyStore(pool)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	require.NoError(t, deps.AddEdges(ctx, "child", domain.RequiresAllCompleted, []string{"p1", "p2"}, expires))

	waiting, err := deps.HasUnsatisfied(ctx, "child")
	require.NoError(t, err)
	assert.True(t, waiting)

	edges, next, err := deps.Dependents(ctx, "p1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, edges, 1)
	assert.Equal(t, "child", edges[0].DependentID)

	require.NoError(t, deps.MarkSatisfied(ctx, "child", "p1"))
	require.NoError(t, deps.MarkSatisfied(ctx, "child", "p2"))

	waiting, err = deps.HasUnsatisfied(ctx, "child")
	require.NoError(t, err)
	assert.False(t, waiting)
}

func TestGroupStore_SchedulerMismatch(t *testing.T) {
	pool := newPool(t)
	groups := postgres.NewGroupStore(pool)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	require.NoError(t, groups.Ensure(ctx, "g1", "sched-a", expires))
	require.NoError(t, groups.Ensure(ctx, "g1", "sched-a", expires))

	err := groups.Ensure(ctx, "g1", "sched-b", expires)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestArtifactStore_CreateListExpire(t *testing.T) {
	pool := newPool(t)
	artifacts := postgres.NewArtifactStore(pool)
	ctx := context.Background()

	a := &postgres.Artifact{
		TaskID:      "t1",
		RunID:       0,
		Name:        "public/logs/live.log",
		StorageType: postgres.ArtifactBlob,
		ContentType: "text/plain",
		Expires:     time.Now().Add(time.Hour),
	}
	_, created, err := artifacts.Create(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, artifacts.MarkPresent(ctx, "t1", 0, a.Name))

	got, err := artifacts.Get(ctx, "t1", 0, a.Name)
	require.NoError(t, err)
	assert.True(t, got.Present)

	list, next, err := artifacts.List(ctx, "t1", 0, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Len(t, list, 1)

	n, err := artifacts.ExpireArtifacts(ctx, time.Now().Add(2*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
