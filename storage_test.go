package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *jobStore {
	t.Helper()
	store, err := newJobStore(filepath.Join(t.TempDir(), "tasks.db"), 1)
	if err != nil {
		t.Fatalf("newJobStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskLifecycle(t *testing.T) {
	store := newTestStore(t)

	store.createTask(taskRecord{
		ID:        "t1",
		Model:     "gemini-2.5-flash-image-landscape",
		Kind:      string(jobTextToImage),
		ClientIP:  "10.0.0.1",
		Status:    taskStatusProcessing,
		CreatedAt: time.Now(),
	})

	got, ok, err := store.loadTask("t1")
	if err != nil || !ok {
		t.Fatalf("loadTask: %v / %v", ok, err)
	}
	if got.Status != taskStatusProcessing {
		t.Fatalf("status = %s", got.Status)
	}

	store.finishTask("t1", "a1", taskStatusCompleted, []string{"https://img/1.png"}, "")
	got, ok, err = store.loadTask("t1")
	if err != nil || !ok {
		t.Fatalf("loadTask after finish: %v / %v", ok, err)
	}
	if got.Status != taskStatusCompleted || got.AccountID != "a1" {
		t.Fatalf("task = %+v", got)
	}
	if len(got.URLs) != 1 || got.URLs[0] != "https://img/1.png" {
		t.Fatalf("urls = %v", got.URLs)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatalf("updated_at not advanced")
	}
}

func TestFinishUnknownTaskIsNoop(t *testing.T) {
	store := newTestStore(t)
	store.finishTask("missing", "a1", taskStatusFailed, nil, "whatever")
	if _, ok, _ := store.loadTask("missing"); ok {
		t.Fatalf("finishTask created a record")
	}
}

func TestRecentTasksNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"t1", "t2", "t3"} {
		store.createTask(taskRecord{
			ID:        id,
			Status:    taskStatusProcessing,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	tasks, err := store.recentTasks(2)
	if err != nil {
		t.Fatalf("recentTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d", len(tasks))
	}
	if tasks[0].ID != "t3" || tasks[1].ID != "t2" {
		t.Fatalf("order = %s, %s", tasks[0].ID, tasks[1].ID)
	}
}

func TestCreateTaskConcurrentWithPrune(t *testing.T) {
	store := newTestStore(t)
	// Make the prune schedule due so every writer races for the slot.
	atomic.StoreInt64(&store.nextPrune, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				store.createTask(taskRecord{
					ID:        fmt.Sprintf("t-%d-%d", g, i),
					Status:    taskStatusProcessing,
					CreatedAt: time.Now(),
				})
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 8; g++ {
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("t-%d-%d", g, i)
			if _, ok, _ := store.loadTask(id); !ok {
				t.Fatalf("task %s missing after concurrent create", id)
			}
		}
	}
}

func TestPruneDropsExpiredTasks(t *testing.T) {
	store := newTestStore(t)
	store.createTask(taskRecord{ID: "old", Status: taskStatusCompleted, CreatedAt: time.Now().Add(-48 * time.Hour)})
	store.createTask(taskRecord{ID: "new", Status: taskStatusCompleted, CreatedAt: time.Now()})

	store.prune()

	if _, ok, _ := store.loadTask("old"); ok {
		t.Fatalf("expired task survived prune")
	}
	if _, ok, _ := store.loadTask("new"); !ok {
		t.Fatalf("fresh task pruned")
	}
}
