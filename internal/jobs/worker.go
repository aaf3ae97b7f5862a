package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

// HandlerFunc processes one claimed task. Returning an error schedules a
// retry with backoff; success deletes the task.
type HandlerFunc func(ctx context.Context, task *types.Task) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(taskType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Get(taskType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Worker claims tasks from the durable work table on a ticker. Safe to run
// on multiple nodes: claiming bumps attempts and sets the lock timestamp
// inside one transaction.
type Worker struct {
	log      *logger.Logger
	repo     repos.TaskRepo
	registry *Registry

	interval    time.Duration
	visibility  time.Duration
	retryDelay  time.Duration
	maxAttempts int
}

func NewWorker(log *logger.Logger, repo repos.TaskRepo, registry *Registry) *Worker {
	return &Worker{
		log:         log.With("component", "TaskWorker"),
		repo:        repo,
		registry:    registry,
		interval:    utils.GetEnvAsDuration("TASK_POLL_INTERVAL", time.Second, log),
		visibility:  utils.GetEnvAsDuration("TASK_VISIBILITY_TIMEOUT", 2*time.Minute, log),
		retryDelay:  utils.GetEnvAsDuration("TASK_RETRY_DELAY", 30*time.Second, log),
		maxAttempts: utils.GetEnvAsInt("TASK_MAX_ATTEMPTS", 5, log),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

func (w *Worker) tick(ctx context.Context) {
	for {
		task, err := w.repo.ClaimNext(dbctx.New(ctx), time.Now().UTC(), w.visibility, w.maxAttempts)
		if err != nil {
			w.log.Warn("ClaimNext failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		w.run(ctx, task)
	}
}

func (w *Worker) run(ctx context.Context, task *types.Task) {
	h, ok := w.registry.Get(task.Type)
	if !ok {
		w.log.Warn("No handler registered for task type", "task_type", task.Type, "task_id", task.ID)
		w.fail(ctx, task, fmt.Errorf("no handler registered for task_type=%s", task.Type))
		return
	}

	start := time.Now()
	var runErr error
	// If handler panics, mark failed instead of killing the worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Task handler panic", "task_id", task.ID, "task_type", task.Type, "panic", r)
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		runErr = h(ctx, task)
	}()

	if runErr != nil {
		observability.Current().ObserveTask(task.Type, "failed", time.Since(start))
		w.fail(ctx, task, runErr)
		return
	}
	observability.Current().ObserveTask(task.Type, "succeeded", time.Since(start))
	if err := w.repo.Complete(dbctx.New(ctx), task.ID); err != nil {
		w.log.Warn("Task complete failed", "task_id", task.ID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, task *types.Task, cause error) {
	retryAt := time.Now().UTC().Add(w.retryDelay * time.Duration(task.Attempts))
	if err := w.repo.Fail(dbctx.New(ctx), task.ID, cause.Error(), retryAt); err != nil {
		w.log.Warn("Task fail-mark failed", "task_id", task.ID, "error", err)
	}
}
