package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/retouch/internal/api"
	"github.com/throw-if-null/retouch/internal/paths"
	"github.com/throw-if-null/retouch/internal/store"
)

// TaskStore is the durable task ledger. Mutations happen only through the
// orchestrator, which serializes every load-mutate-persist sequence.
type TaskStore interface {
	Upsert(t *api.Task) error
	Get(id string) (*api.Task, error)
	List() ([]*api.Task, error)
	ListByImage(imageID string) ([]*api.Task, error)
}

// JobClient is the stateless adapter to the remote processing API.
type JobClient interface {
	Submit(ctx context.Context, req *api.EditRequest, image []byte) (string, error)
	FetchStatus(ctx context.Context, remoteJobID string) (*api.RemoteStatus, error)
	Download(ctx context.Context, resultURL, dest string) error
}

// ImageStore is the slice of the image collaborator the orchestrator needs:
// existence checks at creation time and raw bytes at submission time.
type ImageStore interface {
	Exists(id string) bool
	Read(id string) ([]byte, error)
}

// Options tune orchestrator behavior. Zero values take defaults.
type Options struct {
	// Root is the directory under which result artifacts are written.
	Root string
	// PollInterval is the period of the status poll loop.
	PollInterval time.Duration
	// PollConcurrency bounds how many submitted tasks are checked at once.
	PollConcurrency int
	// MaxTaskAge fails submitted tasks older than the bound. Zero disables
	// the limit and a task may stay submitted indefinitely.
	MaxTaskAge time.Duration
}

// Orchestrator owns the task lifecycle: it creates tasks, drives background
// submission, polls remote status and finalizes results. Construct with New
// and shut down with Stop; there is no ambient instance.
type Orchestrator struct {
	store  TaskStore
	jobs   JobClient
	images ImageStore
	opts   Options

	// mu serializes task state transitions so concurrent mutations cannot
	// interleave their snapshot writes. Network I/O never happens under it.
	mu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// stopMu orders CreateTask's goroutine scheduling against Stop's Wait.
	stopMu  sync.Mutex
	stopped bool
}

func New(ts TaskStore, jobs JobClient, images ImageStore, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollConcurrency <= 0 {
		opts.PollConcurrency = 4
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    ts,
		jobs:     jobs,
		images:   images,
		opts:     opts,
		inflight: map[string]struct{}{},
		sem:      make(chan struct{}, opts.PollConcurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the background poll loop. Safe to call once.
func (o *Orchestrator) Start() {
	o.once.Do(func() {
		o.wg.Add(1)
		go o.pollLoop()
	})
}

// Stop cancels background work and waits for in-flight submissions and
// status checks to drain. Interrupted submissions and downloads leave
// their tasks non-terminal so the next process lifetime can resume them.
func (o *Orchestrator) Stop() {
	o.stopMu.Lock()
	o.stopped = true
	o.stopMu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// CreateTask validates the request, persists a pending task and schedules
// submission in the background. The pending task is returned immediately;
// the submission outcome is observed through later queries, never here.
func (o *Orchestrator) CreateTask(ctx context.Context, req *api.EditRequest) (*api.Task, error) {
	if err := validateEditRequest(req); err != nil {
		return nil, err
	}
	if !o.images.Exists(req.ImageID) {
		return nil, fmt.Errorf("source image not found: %w", ErrNotFound)
	}

	task := &api.Task{
		ID:        uuid.NewString(),
		ImageID:   req.ImageID,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Status:    api.TaskPending,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	_, span := o.tracer().Start(ctx, "retouch.task",
		trace.WithAttributes(attribute.String("task.id", task.ID), attribute.String("task.model", task.Model)))
	span.AddEvent("task.created")
	span.End()

	if err := o.persist(task); err != nil {
		return nil, err
	}

	// after Stop the task is still recorded but stays pending; a later
	// process lifetime picks it up
	reqCopy := *req
	o.stopMu.Lock()
	if !o.stopped {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.submit(task.ID, &reqCopy)
		}()
	}
	o.stopMu.Unlock()

	return task, nil
}

// GetTask returns the current task record, or ErrNotFound.
func (o *Orchestrator) GetTask(id string) (*api.Task, error) {
	t, err := o.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns every task, newest first.
func (o *Orchestrator) ListTasks() ([]*api.Task, error) {
	return o.store.List()
}

// ListTasksByImage returns the tasks for one source image, newest first.
func (o *Orchestrator) ListTasksByImage(imageID string) ([]*api.Task, error) {
	return o.store.ListByImage(imageID)
}

// submit pushes one pending task to the remote service. Success stores the
// remote job handle and moves the task to submitted; a failure is terminal
// and captured into the task record, unless shutdown interrupted the
// attempt, in which case the task stays pending.
func (o *Orchestrator) submit(taskID string, req *api.EditRequest) {
	_, span := o.tracer().Start(o.ctx, "retouch.submit",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	image, err := o.images.Read(req.ImageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.failTask(taskID, fmt.Sprintf("read source image: %v", err))
		return
	}

	remoteID, err := o.jobs.Submit(o.ctx, req, image)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.ctx.Err() != nil {
			// shutdown, not a remote failure
			log.Printf("task %s: submit interrupted by shutdown, leaving pending", taskID)
			return
		}
		o.failTask(taskID, err.Error())
		return
	}

	span.AddEvent("task.submitted")
	o.mutate(taskID, func(t *api.Task) bool {
		if t.Status != api.TaskPending {
			return false
		}
		t.Status = api.TaskSubmitted
		t.RemoteJobID = remoteID
		return true
	})
}

// complete downloads the artifact for a ready task and finalizes it. A
// download failure is terminal, except when shutdown cancelled the
// download; the task then stays submitted and the next process lifetime
// re-fetches the still-ready result. The download runs outside the
// transition lock; only the final field updates hold it.
func (o *Orchestrator) complete(ctx context.Context, taskID, resultURL string) {
	_, span := o.tracer().Start(ctx, "retouch.complete",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	rel, err := paths.ResultFile(taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.failTask(taskID, fmt.Sprintf("derive result path: %v", err))
		return
	}
	dest, err := paths.SafeJoin(o.opts.Root, rel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.failTask(taskID, fmt.Sprintf("derive result path: %v", err))
		return
	}

	if err := o.jobs.Download(ctx, resultURL, dest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			log.Printf("task %s: download interrupted by shutdown, leaving submitted", taskID)
			return
		}
		o.failTask(taskID, err.Error())
		return
	}

	span.AddEvent("task.completed")
	span.SetStatus(codes.Ok, "")
	o.mutate(taskID, func(t *api.Task) bool {
		if t.Status.Terminal() {
			return false
		}
		t.Status = api.TaskCompleted
		t.ResultURL = resultURL
		t.ResultPath = rel
		finalize(t)
		return true
	})
}

// failTask moves a task to failed with the given error text. No-op if the
// task already reached a terminal state.
func (o *Orchestrator) failTask(taskID, msg string) {
	o.mutate(taskID, func(t *api.Task) bool {
		if t.Status.Terminal() {
			return false
		}
		t.Status = api.TaskFailed
		t.Error = msg
		finalize(t)
		return true
	})
}

// finalize stamps the terminal transition. This is the only place the
// remote job handle is cleared.
func finalize(t *api.Task) {
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	t.RemoteJobID = ""
}

// mutate runs one load-mutate-persist sequence under the transition lock.
// fn returns false to abort without persisting.
func (o *Orchestrator) mutate(taskID string, fn func(*api.Task) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, err := o.store.Get(taskID)
	if err != nil {
		log.Printf("mutate %s: load failed: %v", taskID, err)
		return
	}
	if !fn(t) {
		return
	}
	if err := o.persist(t); err != nil {
		log.Printf("mutate %s: %v", taskID, err)
	}
}

// persist writes through to the store. A failed snapshot write is logged
// and tolerated: the in-memory state stays authoritative for this process,
// at the cost of losing the latest transition on a crash.
func (o *Orchestrator) persist(t *api.Task) error {
	err := o.store.Upsert(t)
	if errors.Is(err, store.ErrPersist) {
		log.Printf("task %s: snapshot write failed, continuing with in-memory state: %v", t.ID, err)
		return nil
	}
	return err
}

func (o *Orchestrator) tracer() trace.Tracer {
	return otel.Tracer("retouchd")
}

const maxPromptLen = 1000

func validateEditRequest(req *api.EditRequest) error {
	if req == nil {
		return fmt.Errorf("empty request: %w", ErrInvalid)
	}
	if err := paths.ValidateID(req.ImageID); err != nil {
		return fmt.Errorf("image_id: %w", ErrInvalid)
	}
	if req.Prompt == "" || len(req.Prompt) > maxPromptLen {
		return fmt.Errorf("prompt must be 1..%d characters: %w", maxPromptLen, ErrInvalid)
	}
	if req.Model != api.ModelKontextPro && req.Model != api.ModelKontextMax {
		return fmt.Errorf("unknown model %q: %w", req.Model, ErrInvalid)
	}
	if req.Options != nil {
		if s := req.Options.Steps; s != nil && (*s < 1 || *s > 50) {
			return fmt.Errorf("steps must be 1..50: %w", ErrInvalid)
		}
		if g := req.Options.Guidance; g != nil && (*g < 0 || *g > 20) {
			return fmt.Errorf("guidance must be 0..20: %w", ErrInvalid)
		}
	}
	return nil
}
