package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/types"
)

// ---------- fakes ----------

type transitionRec struct {
	From     types.RequestStatus
	To       types.RequestStatus
	Progress int
}

// fakeRepo reproduces the conditional-update semantics of the real repo on
// an in-memory map, recording every won transition.
type fakeRepo struct {
	mu          sync.Mutex
	reqs        map[uuid.UUID]*types.ContentRequest
	transitions []transitionRec
	getErr      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{reqs: map[uuid.UUID]*types.ContentRequest{}}
}

func (r *fakeRepo) put(req *types.ContentRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.reqs[req.ID] = &cp
}

func (r *fakeRepo) get(id uuid.UUID) types.ContentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.reqs[id]
}

func (r *fakeRepo) recorded() []transitionRec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transitionRec, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func (r *fakeRepo) Create(ctx context.Context, tx *gorm.DB, req *types.ContentRequest) error {
	r.put(req)
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	req, ok := r.reqs[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (r *fakeRepo) Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected types.RequestStatus, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	if !ok || req.Status != expected {
		return false, nil
	}
	rec := transitionRec{From: req.Status}
	if v, ok := updates["status"]; ok {
		req.Status = v.(types.RequestStatus)
	}
	if v, ok := updates["current_stage"]; ok {
		req.CurrentStage = v.(string)
	}
	if v, ok := updates["progress"]; ok {
		req.Progress = v.(int)
	}
	if v, ok := updates["result_reference"]; ok {
		req.ResultReference = v.(string)
	}
	rec.To = req.Status
	rec.Progress = req.Progress
	r.transitions = append(r.transitions, rec)
	return true, nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	if !ok || req.Status.Terminal() {
		return false, nil
	}
	r.transitions = append(r.transitions, transitionRec{From: req.Status, To: types.StatusFailed, Progress: req.Progress})
	req.Status = types.StatusFailed
	req.ErrorReason = reason
	return true, nil
}

func (r *fakeRepo) IncrementRetry(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.reqs[id]; ok {
		req.RetryCount++
	}
	return nil
}

func (r *fakeRepo) MarkEnqueued(ctx context.Context, tx *gorm.DB, id uuid.UUID) error { return nil }

func (r *fakeRepo) ListUnenqueued(ctx context.Context, tx *gorm.DB, olderThan time.Time, limit int) ([]*types.ContentRequest, error) {
	return nil, nil
}

// scriptedExecutor fails with the queued errors first, then succeeds.
type scriptedExecutor struct {
	mu     sync.Mutex
	errs   []error
	result *StageResult
	calls  int
}

func (e *scriptedExecutor) Execute(ctx context.Context, sc StageContext) (*StageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return nil, err
	}
	if e.result != nil {
		return e.result, nil
	}
	return &StageResult{}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func allGoodExecutors() (ExecutorSet, *scriptedExecutor) {
	set := ExecutorSet{}
	for _, st := range types.StageOrder {
		ex := &scriptedExecutor{}
		if st == types.StatusRenderingVideo {
			ex.result = &StageResult{OutputReference: "gs://artifacts/video.mp4"}
		}
		set[st] = ex
	}
	return set, set[types.StatusRenderingVideo].(*scriptedExecutor)
}

// ---------- harness ----------

const testMaxAttempts = 5

func newTestWorker(t *testing.T, repo *fakeRepo, executors ExecutorSet) (*Worker, broker.Broker) {
	t.Helper()
	b := broker.NewMemory(logger.NewNop(), broker.MemoryOptions{
		MaxAttempts:     testMaxAttempts,
		Lease:           time.Second,
		ReclaimInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = b.Close() })
	w := NewWorker(logger.NewNop(), repo, b, executors, WorkerConfig{
		Concurrency:         1,
		PoisonWarnThreshold: 3,
		MaxAttempts:         testMaxAttempts,
		LeaseRenewInterval:  100 * time.Millisecond,
	})
	return w, b
}

func seedRequest(repo *fakeRepo, query string) *types.ContentRequest {
	req := &types.ContentRequest{
		ID:            uuid.New(),
		CorrelationID: uuid.New().String(),
		Query:         query,
		GradeLevel:    7,
		Status:        types.StatusPending,
	}
	repo.put(req)
	return req
}

func messageFor(req *types.ContentRequest) broker.Message {
	return broker.Message{
		RequestID:     req.ID.String(),
		CorrelationID: req.CorrelationID,
		Payload:       map[string]any{"student_query": req.Query, "grade_level": req.GradeLevel},
	}
}

// drain processes deliveries until none arrives within the window.
func drain(t *testing.T, w *Worker, b broker.Broker) int {
	t.Helper()
	processed := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		d, err := b.Receive(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return processed
			}
			t.Fatalf("Receive: %v", err)
		}
		w.process(context.Background(), d)
		processed++
	}
}

// ---------- tests ----------

func TestWorker_HappyPathCompletesAllStagesInOrder(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	if err := b.Publish(context.Background(), messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, w, b)

	got := repo.get(req.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %q (error=%q)", got.Status, got.ErrorReason)
	}
	if got.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", got.Progress)
	}
	if got.ResultReference != "gs://artifacts/video.mp4" {
		t.Fatalf("expected result reference, got %q", got.ResultReference)
	}

	recs := repo.recorded()
	// pending -> validating ... rendering_video -> completed
	if len(recs) != len(types.StageOrder)+1 {
		t.Fatalf("expected %d transitions, got %d: %+v", len(types.StageOrder)+1, len(recs), recs)
	}
	for i, rec := range recs {
		if i == 0 {
			if rec.From != types.StatusPending || rec.To != types.StageOrder[0] {
				t.Fatalf("transition 0: %+v", rec)
			}
			continue
		}
		if rec.From != recs[i-1].To {
			t.Fatalf("transition %d does not chain: %+v after %+v", i, rec, recs[i-1])
		}
	}
	if recs[len(recs)-1].To != types.StatusCompleted {
		t.Fatalf("last transition should complete, got %+v", recs[len(recs)-1])
	}
}

func TestWorker_ProgressIsMonotonicNonDecreasing(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	// Sprinkle transient failures so transitions repeat claims.
	executors[types.StatusGeneratingScript].(*scriptedExecutor).errs = []error{
		Transient("llm timeout"), Transient("llm 503"),
	}
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	if err := b.Publish(context.Background(), messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, w, b)

	got := repo.get(req.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	prev := 0
	for i, rec := range repo.recorded() {
		if rec.Progress < prev {
			t.Fatalf("progress decreased at transition %d: %d -> %d", i, prev, rec.Progress)
		}
		prev = rec.Progress
	}
	if prev != 100 {
		t.Fatalf("progress sequence should end at 100, got %d", prev)
	}
}

func TestWorker_TransientThenSuccessTracksRetryCount(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	executors[types.StatusSynthesizingAudio].(*scriptedExecutor).errs = []error{
		Transient("tts rate limited"), Transient("tts rate limited"),
	}
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	if err := b.Publish(context.Background(), messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, w, b)

	got := repo.get(req.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %d", got.RetryCount)
	}
	// No duplicate artifacts: the final stage ran exactly once.
	if calls := executors[types.StatusRenderingVideo].(*scriptedExecutor).callCount(); calls != 1 {
		t.Fatalf("render stage executed %d times, expected 1", calls)
	}
}

func TestWorker_PermanentStageFailureMarksFailedAndStopsRetrying(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	executors[types.StatusGeneratingScript].(*scriptedExecutor).errs = []error{
		Permanent("content policy rejection"),
	}
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	if err := b.Publish(context.Background(), messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	processed := drain(t, w, b)
	if processed != 1 {
		t.Fatalf("permanent failure must be acked on first delivery, saw %d deliveries", processed)
	}

	got := repo.get(req.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.Contains(got.ErrorReason, "content policy rejection") {
		t.Fatalf("expected error reason recorded, got %q", got.ErrorReason)
	}
	dead, _ := b.DeadLetters(context.Background(), 10)
	if len(dead) != 0 {
		t.Fatalf("permanent failures must not dead-letter, got %d", len(dead))
	}
}

func TestWorker_MalformedMessageAckedOnFirstDelivery(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	w, b := newTestWorker(t, repo, executors)

	// Missing student_query in the payload.
	msg := broker.Message{
		RequestID:     uuid.New().String(),
		CorrelationID: uuid.New().String(),
		Payload:       map[string]any{"grade_level": 7},
	}
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	processed := drain(t, w, b)
	if processed != 1 {
		t.Fatalf("invalid message must be received exactly once, saw %d", processed)
	}
	dead, _ := b.DeadLetters(context.Background(), 10)
	if len(dead) != 0 {
		t.Fatalf("invalid messages are dropped, not dead-lettered; got %d", len(dead))
	}
}

func TestWorker_AlwaysTransientConvergesToDeadLetter(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	// Topic extraction fails transiently forever.
	executors[types.StatusExtractingTopic].(*scriptedExecutor).errs = nil
	failing := &scriptedExecutor{}
	failing.errs = make([]error, 0, testMaxAttempts+2)
	for i := 0; i < testMaxAttempts+2; i++ {
		failing.errs = append(failing.errs, Transient("upstream unavailable"))
	}
	executors[types.StatusExtractingTopic] = failing
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	if err := b.Publish(context.Background(), messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	processed := drain(t, w, b)
	if processed != testMaxAttempts {
		t.Fatalf("expected exactly %d nacked deliveries before dead-letter, saw %d", testMaxAttempts, processed)
	}

	dead, err := b.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].TotalAttempts != testMaxAttempts {
		t.Fatalf("dead letter total_attempts=%d, expected %d", dead[0].TotalAttempts, testMaxAttempts)
	}
	if !strings.Contains(dead[0].LastError, "upstream unavailable") {
		t.Fatalf("dead letter should carry the last transient cause, got %q", dead[0].LastError)
	}

	// The request stays in its last non-terminal status for inspection.
	got := repo.get(req.ID)
	if got.Status != types.StatusExtractingTopic {
		t.Fatalf("request should remain in extracting_topic, got %q", got.Status)
	}
	if got.Status.Terminal() {
		t.Fatalf("dead-lettering must not move the request to a terminal state")
	}
}

func TestWorker_DuplicateDeliveryOfTerminalRequestIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	ctx := context.Background()

	// First pass completes the request.
	if err := b.Publish(ctx, messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, w, b)
	before := len(repo.recorded())

	// Duplicate delivery of finished work.
	if err := b.Publish(ctx, messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	drain(t, w, b)

	if after := len(repo.recorded()); after != before {
		t.Fatalf("duplicate delivery caused %d extra transitions", after-before)
	}
	for st, ex := range executors {
		want := 1
		if calls := ex.(*scriptedExecutor).callCount(); calls != want {
			t.Fatalf("stage %s executed %d times across duplicate deliveries, expected %d", st, calls, want)
		}
	}
}

func TestWorker_ConcurrentDuplicatesProduceOneTransitionSequence(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	ctx := context.Background()

	// N duplicate messages for the same request, processed by a pool.
	const dupes = 4
	for i := 0; i < dupes; i++ {
		if err := b.Publish(ctx, messageFor(req)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < dupes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			d, err := b.Receive(rctx)
			if err != nil {
				return
			}
			w.process(ctx, d)
		}()
	}
	wg.Wait()
	drain(t, w, b)

	got := repo.get(req.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}

	recs := repo.recorded()
	if len(recs) != len(types.StageOrder)+1 {
		t.Fatalf("expected exactly one transition sequence (%d transitions), got %d: %+v",
			len(types.StageOrder)+1, len(recs), recs)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].From != recs[i-1].To {
			t.Fatalf("transition %d is not the immediate successor: %+v after %+v", i, recs[i], recs[i-1])
		}
	}
}

func TestWorker_UnknownRequestIsDropped(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	w, b := newTestWorker(t, repo, executors)

	msg := broker.Message{
		RequestID:     uuid.New().String(),
		CorrelationID: uuid.New().String(),
		Payload:       map[string]any{"student_query": "anything at all"},
	}
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if processed := drain(t, w, b); processed != 1 {
		t.Fatalf("unknown request must be acked on first delivery, saw %d", processed)
	}
}

func TestWorker_RepoErrorIsTransient(t *testing.T) {
	repo := newFakeRepo()
	executors, _ := allGoodExecutors()
	w, b := newTestWorker(t, repo, executors)

	req := seedRequest(repo, "how do volcanoes erupt and why do some explode violently")
	repo.mu.Lock()
	repo.getErr = errors.New("connection refused")
	repo.mu.Unlock()

	ctx := context.Background()
	if err := b.Publish(ctx, messageFor(req)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	d, err := b.Receive(rctx)
	cancel()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	w.process(ctx, d)

	// Store recovers; the redelivered message completes the request.
	repo.mu.Lock()
	repo.getErr = nil
	repo.mu.Unlock()
	drain(t, w, b)

	if got := repo.get(req.ID); got.Status != types.StatusCompleted {
		t.Fatalf("expected completed after store recovery, got %q", got.Status)
	}
}

func TestClassify(t *testing.T) {
	if Classify(Permanent("bad input")) != ErrPermanent {
		t.Fatalf("Permanent should classify permanent")
	}
	if Classify(Transient("timeout")) != ErrTransient {
		t.Fatalf("Transient should classify transient")
	}
	if Classify(errors.New("plain")) != ErrTransient {
		t.Fatalf("unclassified errors default to transient")
	}
	wrapped := TransientWrap(errors.New("inner"), "outer")
	if Classify(wrapped) != ErrTransient {
		t.Fatalf("wrapped transient misclassified")
	}
}

func TestValidationExecutor(t *testing.T) {
	v := NewValidationExecutor()
	ctx := context.Background()

	if _, err := v.Execute(ctx, StageContext{Query: "", GradeLevel: 5}); Classify(err) != ErrPermanent {
		t.Fatalf("empty query must be permanent, got %v", err)
	}
	if _, err := v.Execute(ctx, StageContext{Query: "ok question", GradeLevel: 0}); Classify(err) != ErrPermanent {
		t.Fatalf("grade 0 must be permanent, got %v", err)
	}
	res, err := v.Execute(ctx, StageContext{Query: "  how do tides work near estuaries  ", GradeLevel: 6})
	if err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if res.Outputs["validated_query"] != "how do tides work near estuaries" {
		t.Fatalf("query not normalized: %v", res.Outputs)
	}
}
