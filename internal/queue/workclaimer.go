package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/telemetry"
)

// laneSweepIterations caps how often one lane is drained before the
// sweep starts over from the highest priority.
const laneSweepIterations = 10

// hintPollerIdleSleep is the pause after a sweep that claimed nothing.
const hintPollerIdleSleep = time.Second

// Claim is what a worker gets back for a successfully claimed run.
type Claim struct {
	Status      domain.TaskStatus     `json:"status"`
	RunID       int                   `json:"runId"`
	WorkerGroup string                `json:"workerGroup"`
	WorkerID    string                `json:"workerId"`
	TakenUntil  time.Time             `json:"takenUntil"`
	Task        domain.TaskDefinition `json:"task"`
	Credentials Credentials           `json:"credentials"`
}

// WorkClaimer turns pending hints into claims. Hints are advisory, so
// each one is validated by the conditional claim against the store;
// stale hints are simply consumed.
type WorkClaimer struct {
	tasks        postgres.TaskStore
	queue        redisq.QueueService
	publisher    notify.Publisher
	creds        CredentialIssuer
	claimTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	pollers map[string]*hintPoller
}

// Claim blocks until at least one run is claimed or ctx is cancelled.
// It returns as soon as it has anything rather than waiting to fill
// count: claims held server-side are claims at risk.
func (w *WorkClaimer) Claim(ctx context.Context, taskQueueID, workerGroup, workerID string, count int) ([]*Claim, error) {
	var claims []*Claim
	for len(claims) == 0 {
		if ctx.Err() != nil {
			return claims, nil
		}

		hints, err := w.requestClaim(ctx, taskQueueID, count)
		if err != nil {
			return nil, err
		}

		results := make([]*Claim, len(hints))
		var wg sync.WaitGroup
		for i, hint := range hints {
			wg.Add(1)
			go func(i int, hint redisq.Hint) {
				defer wg.Done()
				results[i] = w.claimFromHint(ctx, hint, workerGroup, workerID)
			}(i, hint)
		}
		wg.Wait()

		for _, c := range results {
			if c != nil {
				claims = append(claims, c)
			}
		}
	}
	return claims, nil
}

// claimFromHint attempts one claim. Used-up hints (claimed, stale or
// conflicting) are removed; infrastructure failures release the hint
// so another worker sees it.
func (w *WorkClaimer) claimFromHint(ctx context.Context, hint redisq.Hint, workerGroup, workerID string) *Claim {
	claim, err := w.ClaimTask(ctx, hint.TaskID(), hint.RunID(), workerGroup, workerID, hint.HintID())
	if err == nil {
		telemetry.ClaimsTotal.WithLabelValues("claimed").Inc()
		if rmErr := hint.Remove(ctx); rmErr != nil {
			w.logger.Warn("hint remove failed", slog.String("error", rmErr.Error()))
		}
		return claim
	}

	var notFound *domain.TaskNotFoundError
	var runNotFound *domain.RunNotFoundError
	var conflict *domain.ConflictError
	if errors.As(err, &notFound) || errors.As(err, &runNotFound) || errors.As(err, &conflict) {
		// The hint pointed at something no longer claimable; it is
		// used up either way.
		telemetry.ClaimsTotal.WithLabelValues("stale").Inc()
		if rmErr := hint.Remove(ctx); rmErr != nil {
			w.logger.Warn("hint remove failed", slog.String("error", rmErr.Error()))
		}
		return nil
	}

	telemetry.ClaimsTotal.WithLabelValues("error").Inc()
	w.logger.Error("claim from hint failed",
		slog.String("task_id", hint.TaskID()), slog.String("error", err.Error()))
	if relErr := hint.Release(ctx); relErr != nil {
		w.logger.Warn("hint release failed", slog.String("error", relErr.Error()))
	}
	return nil
}

// ClaimTask conditionally claims taskID/runID for the worker. Returns
// *domain.ConflictError when someone else got there first.
func (w *WorkClaimer) ClaimTask(ctx context.Context, taskID string, runID int, workerGroup, workerID, hintID string) (*Claim, error) {
	takenUntil := w.now().Add(w.claimTimeout).UTC()

	// The mutator may run more than once under contention; the claim
	// expiry message must go out exactly once.
	msgSent := false
	task, err := w.tasks.Modify(ctx, taskID, func(t *domain.Task) error {
		run := t.Run(runID)
		if run == nil || runID != len(t.Runs)-1 || run.State != domain.RunPending {
			// Nothing to modify; the post-check decides the outcome.
			return nil
		}

		if !msgSent {
			if err := w.queue.PutClaimMessage(ctx, taskID, runID, takenUntil); err != nil {
				return err
			}
			msgSent = true
		}

		started := w.now().UTC()
		run.State = domain.RunRunning
		run.WorkerGroup = workerGroup
		run.WorkerID = workerID
		run.HintID = hintID
		run.Started = &started
		taken := takenUntil
		run.TakenUntil = &taken
		t.TakenUntil = &taken
		return nil
	})
	if err != nil {
		return nil, err
	}

	run := task.Run(runID)
	if run == nil {
		return nil, &domain.RunNotFoundError{TaskID: taskID, RunID: runID}
	}
	if runID != len(task.Runs)-1 ||
		run.State != domain.RunRunning ||
		run.WorkerGroup != workerGroup ||
		run.WorkerID != workerID ||
		run.HintID != hintID {
		return nil, &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run claimed by another worker"}
	}

	// Publish even when this call made no change: a retried claim must
	// still announce task-running in case the first announcement died.
	status := task.Status()
	if err := w.publisher.TaskRunning(ctx, status, runID, workerGroup, workerID, *run.TakenUntil, task.Routes); err != nil {
		w.logger.Error("publish task-running failed",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}

	creds, err := w.creds.Issue(taskID, runID, workerGroup, workerID, *run.TakenUntil, task.Scopes)
	if err != nil {
		return nil, err
	}

	return &Claim{
		Status:      status,
		RunID:       runID,
		WorkerGroup: workerGroup,
		WorkerID:    workerID,
		TakenUntil:  *run.TakenUntil,
		Task:        task.TaskDefinition,
		Credentials: creds,
	}, nil
}

// ReclaimTask extends a claim the caller still holds. The new expiry
// hint goes out before the mutation so the run is never uncovered.
func (w *WorkClaimer) ReclaimTask(ctx context.Context, taskID string, runID int, workerGroup, workerID string) (*Claim, error) {
	takenUntil := w.now().Add(w.claimTimeout).UTC()

	msgSent := false
	task, err := w.tasks.Modify(ctx, taskID, func(t *domain.Task) error {
		run := t.Run(runID)
		if run == nil {
			return &domain.RunNotFoundError{TaskID: taskID, RunID: runID}
		}
		if run.State != domain.RunRunning {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run is not running"}
		}
		if run.WorkerGroup != workerGroup || run.WorkerID != workerID {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "run is claimed by another worker"}
		}
		if run.TakenUntil == nil || run.TakenUntil.Before(w.now()) {
			return &domain.ConflictError{TaskID: taskID, RunID: runID, Reason: "claim has already expired"}
		}

		if !msgSent {
			if err := w.queue.PutClaimMessage(ctx, taskID, runID, takenUntil); err != nil {
				return err
			}
			msgSent = true
		}

		taken := takenUntil
		run.TakenUntil = &taken
		t.TakenUntil = &taken
		return nil
	})
	if err != nil {
		return nil, err
	}

	run := task.Run(runID)
	creds, err := w.creds.Issue(taskID, runID, workerGroup, workerID, *run.TakenUntil, task.Scopes)
	if err != nil {
		return nil, err
	}

	return &Claim{
		Status:      task.Status(),
		RunID:       runID,
		WorkerGroup: workerGroup,
		WorkerID:    workerID,
		TakenUntil:  *run.TakenUntil,
		Task:        task.TaskDefinition,
		Credentials: creds,
	}, nil
}

// requestClaim places a request with the queue's poller. A poller that
// stopped between lookup and enqueue refuses the request; looping on a
// fresh lookup guarantees some live poller accepts it.
func (w *WorkClaimer) requestClaim(ctx context.Context, taskQueueID string, count int) ([]redisq.Hint, error) {
	req := &claimRequest{
		count: count,
		resp:  make(chan claimResponse, 1),
		done:  ctx.Done(),
	}
	for {
		p := w.poller(taskQueueID)
		if p.enqueue(req) {
			return p.await(ctx, req)
		}
	}
}

func (w *WorkClaimer) poller(taskQueueID string) *hintPoller {
	w.mu.Lock()
	defer w.mu.Unlock()
	hp, ok := w.pollers[taskQueueID]
	if !ok {
		hp = &hintPoller{claimer: w, taskQueueID: taskQueueID}
		w.pollers[taskQueueID] = hp
	}
	return hp
}

// retire takes the poller out of service once no demand remains. Both
// mutexes are held so no enqueue can slip in between the emptiness
// check and the stop: a request either landed before the check or sees
// stopped and retries against a fresh poller. Returns false, leaving
// the poller live, when requests did land in the meantime.
func (w *WorkClaimer) retire(p *hintPoller) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) > 0 {
		return false
	}
	p.stopped = true
	if w.pollers[p.taskQueueID] == p {
		delete(w.pollers, p.taskQueueID)
	}
	return true
}

// claimRequest is one caller waiting for hints. The response channel
// is buffered so the poller never blocks handing out hints.
type claimRequest struct {
	count int
	resp  chan claimResponse
	done  <-chan struct{}
}

type claimResponse struct {
	hints []redisq.Hint
	err   error
}

// hintPoller serves all concurrent claim requests for one task queue
// with a single polling goroutine, sweeping the priority lanes in
// order. It retires itself when no requests remain; a retired poller
// accepts nothing, so no request can land unserved.
type hintPoller struct {
	claimer     *WorkClaimer
	taskQueueID string

	mu       sync.Mutex
	requests []*claimRequest
	started  bool
	stopped  bool
}

// enqueue registers a request and reports whether this poller will
// serve it.
func (p *hintPoller) enqueue(req *claimRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.requests = append(p.requests, req)
	if !p.started {
		p.started = true
		go p.poll()
	}
	return true
}

// await waits for up to the request's count of hints. Cancellation of
// ctx resolves the request with no hints.
func (p *hintPoller) await(ctx context.Context, req *claimRequest) ([]redisq.Hint, error) {
	select {
	case resp := <-req.resp:
		return resp.hints, resp.err
	case <-ctx.Done():
		p.withdraw(req)
		// The poller may have resolved the request in the meantime;
		// hand those hints back rather than dropping them.
		select {
		case resp := <-req.resp:
			return resp.hints, resp.err
		default:
			return nil, nil
		}
	}
}

func (p *hintPoller) withdraw(req *claimRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.requests {
		if r == req {
			p.requests = append(p.requests[:i], p.requests[i+1:]...)
			return
		}
	}
}

// pendingCount sums outstanding hint demand, dropping requests whose
// callers have gone away.
func (p *hintPoller) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	alive := p.requests[:0]
	total := 0
	for _, r := range p.requests {
		select {
		case <-r.done:
			r.resp <- claimResponse{}
		default:
			alive = append(alive, r)
			total += r.count
		}
	}
	p.requests = alive
	return total
}

// distribute hands hints to waiting requests in arrival order and
// returns whatever could not be placed.
func (p *hintPoller) distribute(hints []redisq.Hint) []redisq.Hint {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(hints) > 0 && len(p.requests) > 0 {
		req := p.requests[0]
		p.requests = p.requests[1:]
		n := req.count
		if n > len(hints) {
			n = len(hints)
		}
		req.resp <- claimResponse{hints: hints[:n]}
		hints = hints[n:]
	}
	return hints
}

// abort stops the poller and resolves every waiting request with the
// error. Requests racing in after the stop land on a fresh poller.
func (p *hintPoller) abort(err error) {
	w := p.claimer
	w.mu.Lock()
	p.mu.Lock()
	p.stopped = true
	if w.pollers[p.taskQueueID] == p {
		delete(w.pollers, p.taskQueueID)
	}
	waiting := p.requests
	p.requests = nil
	p.mu.Unlock()
	w.mu.Unlock()

	for _, r := range waiting {
		r.resp <- claimResponse{err: err}
	}
}

func (p *hintPoller) poll() {
	ctx := context.Background()
	polls, err := p.claimer.queue.PendingQueues(ctx, p.taskQueueID)
	if err != nil {
		p.abort(err)
		return
	}

	for {
		for p.pendingCount() > 0 {
			claimed := 0

			// Sweep lanes from most to least urgent; within a lane keep
			// draining while there is demand, up to the iteration cap.
			for _, pollLane := range polls {
				for i := 0; i < laneSweepIterations; i++ {
					limit := p.pendingCount()
					if limit == 0 {
						break
					}
					hints, err := pollLane(ctx, limit)
					if err != nil {
						p.abort(err)
						return
					}
					if len(hints) == 0 {
						break
					}
					claimed += len(hints)
					telemetry.HintPollerClaimed.Add(float64(len(hints)))

					// Surplus hints happen when requests vanished between
					// the limit check and now; put them back.
					for _, surplus := range p.distribute(hints) {
						telemetry.HintsReleased.Inc()
						if err := surplus.Release(ctx); err != nil {
							p.claimer.logger.Warn("surplus hint release failed",
								slog.String("error", err.Error()))
						}
					}
				}
			}

			if claimed == 0 {
				telemetry.HintPollerSleep.Inc()
				time.Sleep(hintPollerIdleSleep)
			}
		}

		if p.claimer.retire(p) {
			return
		}
	}
}
