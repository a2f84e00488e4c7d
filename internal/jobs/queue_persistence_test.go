package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*RunJob
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*RunJob)}
}

func (m *memoryStore) LoadJobs(_ context.Context) ([]*RunJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*RunJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		ret = append(ret, cloneJob(j))
	}
	return ret, nil
}

func (m *memoryStore) UpsertJob(_ context.Context, job *RunJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memoryStore) DeleteJobData(_ context.Context, _ string) error {
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memoryStore) get(id string) *RunJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJob(m.jobs[id])
}

func TestQueue_RecoversPendingAndRunningJobsFromStore(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	store.jobs["run-1"] = &RunJob{
		ID:        "run-1",
		Source:    SourceCron,
		DedupeKey: "researcher|cron",
		Status:    StatusPending,
		Payload:   RunPayload{AgentID: "researcher", Prompt: "daily digest"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.jobs["run-2"] = &RunJob{
		ID:        "run-2",
		Source:    SourceAPI,
		DedupeKey: "writer|api",
		Status:    StatusRunning,
		Payload:   RunPayload{AgentID: "writer", Prompt: "draft"},
		CreatedAt: now,
		UpdatedAt: now,
		StartedAt: &now,
	}

	q := NewQueue(1, store)

	jobs := q.List()
	require.Len(t, jobs, 2)
	byID := map[string]*RunJob{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	require.Contains(t, byID, "run-2")
	assert.Equal(t, StatusPending, byID["run-2"].Status)
	assert.Nil(t, byID["run-2"].StartedAt)
	assert.Equal(t, StatusPending, store.get("run-2").Status)

	// Recovered pending jobs still hold their dedupe key.
	dup, created := q.Enqueue(EnqueueRequest{Source: SourceAPI, DedupeKey: "writer|api"})
	assert.False(t, created)
	assert.Equal(t, "run-2", dup.ID)

	q.Start(succeed)
	defer q.Stop()

	waitForStatus(t, q, "run-1", StatusSuccess)
	done := waitForStatus(t, q, "run-2", StatusSuccess)
	assert.Equal(t, "answer to draft", done.Summary.Content)

	require.Eventually(t, func() bool {
		stored := store.get("run-2")
		return stored != nil && stored.Status == StatusSuccess && stored.Summary != nil
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_StopLeavesRunningJobForRecovery(t *testing.T) {
	store := newMemoryStore()
	q := NewQueue(1, store)
	started := make(chan struct{})
	q.Start(func(ctx context.Context, _ *RunJob) (*RunSummary, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job, _ := q.Enqueue(EnqueueRequest{Source: SourceAPI})
	<-started
	q.Stop()

	assert.Equal(t, StatusRunning, store.get(job.ID).Status)

	recovered := NewQueue(1, store)
	got, ok := recovered.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
}
