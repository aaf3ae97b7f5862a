package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/recollect-ai/recollect-backend/internal/data/db"
	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

func newWorkerEnv(t *testing.T) (repos.TaskRepo, *Registry, *Worker) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrateAll(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logger.NewNop()
	repo := repos.NewTaskRepo(gdb, log)
	registry := NewRegistry()
	return repo, registry, NewWorker(log, repo, registry)
}

func enqueue(t *testing.T, repo repos.TaskRepo, taskType string) *types.Task {
	t.Helper()
	row, err := repo.Enqueue(dbctx.New(context.Background()), &types.Task{Type: taskType})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return row
}

func TestWorker_RunsHandlerAndDeletesTask(t *testing.T) {
	repo, registry, w := newWorkerEnv(t)
	ctx := context.Background()

	ran := 0
	registry.Register("noop", func(ctx context.Context, task *types.Task) error {
		ran++
		return nil
	})
	enqueue(t, repo, "noop")

	w.tick(ctx)

	if ran != 1 {
		t.Fatalf("expected handler to run once, got %d", ran)
	}
	rows, err := repo.ListByType(dbctx.New(ctx), "noop", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected completed task deleted, got %d rows", len(rows))
	}
}

func TestWorker_RetriesFailedTask(t *testing.T) {
	t.Setenv("TASK_RETRY_DELAY", "50ms")
	repo, registry, w := newWorkerEnv(t)
	ctx := context.Background()

	attempts := 0
	registry.Register("flaky", func(ctx context.Context, task *types.Task) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	enqueue(t, repo, "flaky")

	w.tick(ctx)
	if attempts != 1 {
		t.Fatalf("expected first attempt, got %d", attempts)
	}
	rows, err := repo.ListByType(dbctx.New(ctx), "flaky", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].LastError == "" || rows[0].Attempts != 1 {
		t.Fatalf("expected failed task kept for retry, got %+v", rows)
	}

	time.Sleep(60 * time.Millisecond)
	w.tick(ctx)
	if attempts != 2 {
		t.Fatalf("expected retry, got %d attempts", attempts)
	}
	rows, _ = repo.ListByType(dbctx.New(ctx), "flaky", 10)
	if len(rows) != 0 {
		t.Fatalf("expected task deleted after success, got %d rows", len(rows))
	}
}

func TestWorker_StopsAfterMaxAttempts(t *testing.T) {
	t.Setenv("TASK_RETRY_DELAY", "1ms")
	t.Setenv("TASK_MAX_ATTEMPTS", "2")
	repo, registry, w := newWorkerEnv(t)
	ctx := context.Background()

	attempts := 0
	registry.Register("broken", func(ctx context.Context, task *types.Task) error {
		attempts++
		return fmt.Errorf("still broken")
	})
	enqueue(t, repo, "broken")

	for i := 0; i < 5; i++ {
		w.tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}

	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
	rows, err := repo.ListByType(dbctx.New(ctx), "broken", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Attempts != 2 {
		t.Fatalf("expected exhausted task parked, got %+v", rows)
	}
}

func TestWorker_PanicMarksTaskFailed(t *testing.T) {
	repo, registry, w := newWorkerEnv(t)
	ctx := context.Background()

	registry.Register("panicky", func(ctx context.Context, task *types.Task) error {
		panic("boom")
	})
	enqueue(t, repo, "panicky")

	w.tick(ctx)

	rows, err := repo.ListByType(dbctx.New(ctx), "panicky", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].LastError == "" {
		t.Fatalf("expected panic recorded as failure, got %+v", rows)
	}
}

func TestWorker_UnregisteredTypeFails(t *testing.T) {
	repo, _, w := newWorkerEnv(t)
	ctx := context.Background()
	enqueue(t, repo, "mystery")

	w.tick(ctx)

	rows, err := repo.ListByType(dbctx.New(ctx), "mystery", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].LastError == "" {
		t.Fatalf("expected missing-handler failure recorded, got %+v", rows)
	}
}
