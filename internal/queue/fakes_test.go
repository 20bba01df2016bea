package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
)

// In-memory stand-ins for the Postgres, Redis and Kafka layers. They
// implement the same contracts the real drivers do, down to the typed
// errors, so the service under test cannot tell the difference.

type fakeTaskStore struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	createErr error
	getErr    error
	modifyErr error
}

var _ postgres.TaskStore = (*fakeTaskStore)(nil)

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*domain.Task)}
}

func (f *fakeTaskStore) Create(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, false, f.createErr
	}
	if existing, ok := f.tasks[task.TaskID]; ok {
		return existing.Clone(), false, nil
	}
	stored := task.Clone()
	stored.Version = 1
	f.tasks[task.TaskID] = stored
	return stored.Clone(), true, nil
}

func (f *fakeTaskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return task.Clone(), nil
}

func (f *fakeTaskStore) Modify(ctx context.Context, taskID string, mutate func(*domain.Task) error) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modifyErr != nil {
		return nil, f.modifyErr
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	clone := task.Clone()
	if err := mutate(clone); err != nil {
		return nil, err
	}
	clone.Version = task.Version + 1
	f.tasks[taskID] = clone
	return clone.Clone(), nil
}

func (f *fakeTaskStore) Delete(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeTaskStore) ListGroup(ctx context.Context, taskGroupID, continuation string, limit int) ([]*domain.Task, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.tasks {
		if t.TaskGroupID == taskGroupID && id > continuation {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[len(ids)-1]
	}
	out := make([]*domain.Task, len(ids))
	for i, id := range ids {
		out[i] = f.tasks[id].Clone()
	}
	return out, next, nil
}

func (f *fakeTaskStore) ExpireTasks(ctx context.Context, now time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, t := range f.tasks {
		if n == limit {
			break
		}
		if t.Expires.Before(now) {
			delete(f.tasks, id)
			n++
		}
	}
	return n, nil
}

// get returns the stored task directly for assertions.
func (f *fakeTaskStore) get(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		t.Fatalf("task %s not in store", taskID)
	}
	return task.Clone()
}

// put seeds a task without going through CreateTask.
func (f *fakeTaskStore) put(task *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := task.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	f.tasks[task.TaskID] = stored
}

type fakeDependencyStore struct {
	mu          sync.Mutex
	unsatisfied map[string]map[string]bool
	dependents  map[string][]postgres.DependencyEdge
	removed     []string
}

var _ postgres.DependencyStore = (*fakeDependencyStore)(nil)

func newFakeDependencyStore() *fakeDependencyStore {
	return &fakeDependencyStore{
		unsatisfied: make(map[string]map[string]bool),
		dependents:  make(map[string][]postgres.DependencyEdge),
	}
}

func (f *fakeDependencyStore) AddEdges(ctx context.Context, taskID string, requires domain.Requires, deps []string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsatisfied[taskID] == nil {
		f.unsatisfied[taskID] = make(map[string]bool)
	}
	for _, dep := range deps {
		f.unsatisfied[taskID][dep] = true
		exists := false
		for _, e := range f.dependents[dep] {
			if e.DependentID == taskID {
				exists = true
				break
			}
		}
		if !exists {
			f.dependents[dep] = append(f.dependents[dep], postgres.DependencyEdge{
				DependentID: taskID, Requires: requires,
			})
		}
	}
	return nil
}

func (f *fakeDependencyStore) RemoveEdges(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unsatisfied, taskID)
	delete(f.dependents, taskID)
	for required, edges := range f.dependents {
		kept := edges[:0]
		for _, e := range edges {
			if e.DependentID != taskID {
				kept = append(kept, e)
			}
		}
		f.dependents[required] = kept
	}
	f.removed = append(f.removed, taskID)
	return nil
}

func (f *fakeDependencyStore) MarkSatisfied(ctx context.Context, dependentID, requiredID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unsatisfied[dependentID], requiredID)
	return nil
}

func (f *fakeDependencyStore) HasUnsatisfied(ctx context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsatisfied[taskID]) > 0, nil
}

func (f *fakeDependencyStore) Unsatisfied(ctx context.Context, taskID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.unsatisfied[taskID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeDependencyStore) Dependents(ctx context.Context, requiredID, continuation string, limit int) ([]postgres.DependencyEdge, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	edges := append([]postgres.DependencyEdge(nil), f.dependents[requiredID]...)
	sort.Slice(edges, func(i, j int) bool { return edges[i].DependentID < edges[j].DependentID })
	var page []postgres.DependencyEdge
	for _, e := range edges {
		if e.DependentID > continuation {
			page = append(page, e)
		}
	}
	next := ""
	if len(page) > limit {
		page = page[:limit]
		next = page[len(page)-1].DependentID
	}
	return page, next, nil
}

func (f *fakeDependencyStore) ExpireEdges(ctx context.Context, now time.Time, limit int) (int, error) {
	return 0, nil
}

type fakeGroupStore struct {
	mu     sync.Mutex
	groups map[string]*postgres.TaskGroup
}

var _ postgres.GroupStore = (*fakeGroupStore)(nil)

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]*postgres.TaskGroup)}
}

func (f *fakeGroupStore) Ensure(ctx context.Context, taskGroupID, schedulerID string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[taskGroupID]
	if !ok {
		f.groups[taskGroupID] = &postgres.TaskGroup{
			TaskGroupID: taskGroupID, SchedulerID: schedulerID, Expires: expires,
		}
		return nil
	}
	if g.SchedulerID != schedulerID {
		return &domain.ValidationError{Field: "schedulerId",
			Reason: fmt.Sprintf("task group %s belongs to scheduler %s", taskGroupID, g.SchedulerID)}
	}
	if expires.After(g.Expires) {
		g.Expires = expires
	}
	return nil
}

func (f *fakeGroupStore) Get(ctx context.Context, taskGroupID string) (*postgres.TaskGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[taskGroupID]
	if !ok {
		return nil, fmt.Errorf("get task group %s: not found", taskGroupID)
	}
	copied := *g
	return &copied, nil
}

func (f *fakeGroupStore) ExpireGroups(ctx context.Context, now time.Time, limit int) (int, error) {
	return 0, nil
}

type fakeArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]*postgres.Artifact
}

var _ postgres.ArtifactStore = (*fakeArtifactStore)(nil)

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: make(map[string]*postgres.Artifact)}
}

func artifactKey(taskID string, runID int, name string) string {
	return fmt.Sprintf("%s/%d/%s", taskID, runID, name)
}

func (f *fakeArtifactStore) Create(ctx context.Context, a *postgres.Artifact) (*postgres.Artifact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := artifactKey(a.TaskID, a.RunID, a.Name)
	if existing, ok := f.artifacts[key]; ok {
		copied := *existing
		return &copied, false, nil
	}
	copied := *a
	f.artifacts[key] = &copied
	stored := copied
	return &stored, true, nil
}

func (f *fakeArtifactStore) Replace(ctx context.Context, a *postgres.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *a
	f.artifacts[artifactKey(a.TaskID, a.RunID, a.Name)] = &copied
	return nil
}

func (f *fakeArtifactStore) Get(ctx context.Context, taskID string, runID int, name string) (*postgres.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[artifactKey(taskID, runID, name)]
	if !ok {
		return nil, fmt.Errorf("get artifact %s: %w", name, postgres.ErrArtifactNotFound)
	}
	copied := *a
	return &copied, nil
}

func (f *fakeArtifactStore) MarkPresent(ctx context.Context, taskID string, runID int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[artifactKey(taskID, runID, name)]
	if !ok {
		return fmt.Errorf("mark artifact %s present: %w", name, postgres.ErrArtifactNotFound)
	}
	a.Present = true
	return nil
}

func (f *fakeArtifactStore) List(ctx context.Context, taskID string, runID int, continuation string, limit int) ([]postgres.Artifact, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var page []postgres.Artifact
	for _, a := range f.artifacts {
		if a.TaskID == taskID && a.RunID == runID && a.Name > continuation {
			page = append(page, *a)
		}
	}
	sort.Slice(page, func(i, j int) bool { return page[i].Name < page[j].Name })
	next := ""
	if len(page) > limit {
		page = page[:limit]
		next = page[len(page)-1].Name
	}
	return page, next, nil
}

func (f *fakeArtifactStore) ExpireArtifacts(ctx context.Context, now time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, a := range f.artifacts {
		if n == limit {
			break
		}
		if a.Expires.Before(now) {
			delete(f.artifacts, key)
			n++
		}
	}
	return n, nil
}

// pendingHint is one enqueued pending message plus its lane key.
type pendingHint struct {
	taskQueueID string
	priority    domain.Priority
	msg         redisq.PendingMessage
}

type fakeQueue struct {
	mu      sync.Mutex
	nextID  int
	now     func() time.Time
	putErr  error
	pollErr error

	pending   []pendingHint
	claims    []redisq.ClaimMessage
	deadlines []redisq.DeadlineMessage
	resolved  []redisq.ResolutionMessage

	removedClaims    []string
	releasedClaims   []string
	removedDeadlines []string
	removedResolved  []string
	removedHints     []string
	releasedHints    []string
}

var _ redisq.QueueService = (*fakeQueue)(nil)

func newFakeQueue() *fakeQueue { return &fakeQueue{now: time.Now} }

func (f *fakeQueue) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeQueue) PutClaimMessage(ctx context.Context, taskID string, runID int, takenUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.claims = append(f.claims, redisq.ClaimMessage{
		TaskID: taskID, RunID: runID, TakenUntil: takenUntil, MessageID: f.id("claim"),
	})
	return nil
}

func (f *fakeQueue) PollClaimQueue(ctx context.Context, limit int) ([]redisq.ClaimMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := append([]redisq.ClaimMessage(nil), f.claims...)
	f.claims = nil
	return out, nil
}

func (f *fakeQueue) RemoveClaimMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedClaims = append(f.removedClaims, messageID)
	return nil
}

func (f *fakeQueue) ReleaseClaimMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releasedClaims = append(f.releasedClaims, messageID)
	return nil
}

func (f *fakeQueue) PutDeadlineMessage(ctx context.Context, taskID, schedulerID string, deadline time.Time, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.deadlines = append(f.deadlines, redisq.DeadlineMessage{
		TaskID: taskID, SchedulerID: schedulerID, Deadline: deadline, MessageID: f.id("deadline"),
	})
	return nil
}

func (f *fakeQueue) PollDeadlineQueue(ctx context.Context, limit int) ([]redisq.DeadlineMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := append([]redisq.DeadlineMessage(nil), f.deadlines...)
	f.deadlines = nil
	return out, nil
}

func (f *fakeQueue) RemoveDeadlineMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedDeadlines = append(f.removedDeadlines, messageID)
	return nil
}

func (f *fakeQueue) ReleaseDeadlineMessage(ctx context.Context, messageID string) error {
	return nil
}

func (f *fakeQueue) PutResolvedMessage(ctx context.Context, taskID, schedulerID, taskGroupID string, resolution domain.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.resolved = append(f.resolved, redisq.ResolutionMessage{
		TaskID: taskID, TaskGroupID: taskGroupID, SchedulerID: schedulerID,
		Resolution: resolution, MessageID: f.id("resolved"),
	})
	return nil
}

func (f *fakeQueue) PollResolvedQueue(ctx context.Context, limit int) ([]redisq.ResolutionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := append([]redisq.ResolutionMessage(nil), f.resolved...)
	f.resolved = nil
	return out, nil
}

func (f *fakeQueue) RemoveResolvedMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedResolved = append(f.removedResolved, messageID)
	return nil
}

func (f *fakeQueue) ReleaseResolvedMessage(ctx context.Context, messageID string) error {
	return nil
}

func (f *fakeQueue) PutPendingMessage(ctx context.Context, taskQueueID string, priority domain.Priority, taskID string, runID int, deadline time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	if !deadline.After(f.now()) {
		return "", nil
	}
	hintID := f.id("hint")
	f.pending = append(f.pending, pendingHint{
		taskQueueID: taskQueueID,
		priority:    priority,
		msg:         redisq.PendingMessage{TaskID: taskID, RunID: runID, HintID: hintID, Expires: deadline},
	})
	return hintID, nil
}

func (f *fakeQueue) PendingQueues(ctx context.Context, taskQueueID string) ([]redisq.PollPending, error) {
	polls := make([]redisq.PollPending, len(domain.Priorities))
	for i, priority := range domain.Priorities {
		priority := priority
		polls[i] = func(ctx context.Context, limit int) ([]redisq.Hint, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.pollErr != nil {
				return nil, f.pollErr
			}
			var hints []redisq.Hint
			kept := f.pending[:0]
			for _, p := range f.pending {
				if p.taskQueueID == taskQueueID && p.priority == priority &&
					!p.msg.Expires.After(f.now()) {
					// Expired hints disappear at poll time.
					continue
				}
				if len(hints) < limit && p.taskQueueID == taskQueueID && p.priority == priority {
					hints = append(hints, &fakeHint{queue: f, msg: p.msg})
					continue
				}
				kept = append(kept, p)
			}
			f.pending = kept
			return hints, nil
		}
	}
	return polls, nil
}

func (f *fakeQueue) CountPendingMessages(ctx context.Context, taskQueueID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pending {
		if p.taskQueueID == taskQueueID {
			n++
		}
	}
	return n, nil
}

func (f *fakeQueue) DeleteIdleLanes(ctx context.Context, idleFor time.Duration) (int, error) {
	return 0, nil
}

// pendingFor lists the enqueued pending hints for a task queue.
func (f *fakeQueue) pendingFor(taskQueueID string) []redisq.PendingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redisq.PendingMessage
	for _, p := range f.pending {
		if p.taskQueueID == taskQueueID {
			out = append(out, p.msg)
		}
	}
	return out
}

type fakeHint struct {
	queue *fakeQueue
	msg   redisq.PendingMessage
}

var _ redisq.Hint = (*fakeHint)(nil)

func (h *fakeHint) TaskID() string { return h.msg.TaskID }
func (h *fakeHint) RunID() int     { return h.msg.RunID }
func (h *fakeHint) HintID() string { return h.msg.HintID }

func (h *fakeHint) Remove(ctx context.Context) error {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	h.queue.removedHints = append(h.queue.removedHints, h.msg.HintID)
	return nil
}

func (h *fakeHint) Release(ctx context.Context) error {
	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	h.queue.releasedHints = append(h.queue.releasedHints, h.msg.HintID)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

var _ notify.Publisher = (*fakePublisher)(nil)

func newFakePublisher() *fakePublisher { return &fakePublisher{} }

func (f *fakePublisher) record(event, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event+"/"+key)
	return nil
}

func (f *fakePublisher) TaskDefined(ctx context.Context, status domain.TaskStatus, routes []string) error {
	return f.record("defined", status.TaskID)
}

func (f *fakePublisher) TaskPending(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error {
	return f.record("pending", status.TaskID)
}

func (f *fakePublisher) TaskRunning(ctx context.Context, status domain.TaskStatus, runID int, workerGroup, workerID string, takenUntil time.Time, routes []string) error {
	return f.record("running", status.TaskID)
}

func (f *fakePublisher) TaskCompleted(ctx context.Context, status domain.TaskStatus, runID int, workerGroup, workerID string, routes []string) error {
	return f.record("completed", status.TaskID)
}

func (f *fakePublisher) TaskFailed(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error {
	return f.record("failed", status.TaskID)
}

func (f *fakePublisher) TaskException(ctx context.Context, status domain.TaskStatus, runID int, routes []string) error {
	return f.record("exception", status.TaskID)
}

func (f *fakePublisher) TaskGroupResolved(ctx context.Context, taskGroupID, schedulerID string) error {
	return f.record("group-resolved", taskGroupID)
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
}

var _ CredentialIssuer = (*fakeIssuer)(nil)

func (f *fakeIssuer) Issue(taskID string, runID int, workerGroup, workerID string, takenUntil time.Time, taskScopes []string) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return Credentials{ClientID: fmt.Sprintf("test-client/%s/%d", taskID, runID)}, nil
}

// testEnv bundles a Service with all its fakes and a settable clock.
type testEnv struct {
	tasks     *fakeTaskStore
	deps      *fakeDependencyStore
	groups    *fakeGroupStore
	artifacts *fakeArtifactStore
	queue     *fakeQueue
	publisher *fakePublisher
	issuer    *fakeIssuer
	svc       *Service

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		tasks:     newFakeTaskStore(),
		deps:      newFakeDependencyStore(),
		groups:    newFakeGroupStore(),
		artifacts: newFakeArtifactStore(),
		queue:     newFakeQueue(),
		publisher: newFakePublisher(),
		issuer:    &fakeIssuer{},
		now:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	env.queue.now = env.clock
	opts = append([]Option{WithClock(env.clock)}, opts...)
	env.svc = NewService(
		env.tasks, env.deps, env.groups, env.artifacts,
		env.queue, env.publisher, env.issuer, opts...,
	)
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

// validDefinition builds a definition that passes validation at the
// env's current clock.
func (e *testEnv) validDefinition() domain.TaskDefinition {
	now := e.clock()
	return domain.TaskDefinition{
		ProvisionerID: "aws",
		WorkerType:    "build",
		Retries:       2,
		Created:       now,
		Deadline:      now.Add(2 * time.Hour),
		Metadata:      domain.TaskMetadata{Name: "build it"},
	}
}
