package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/agent-orchestrator/internal/agent"
	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/llm"
	"github.com/MimeLyc/agent-orchestrator/internal/persistence"
	"github.com/MimeLyc/agent-orchestrator/internal/service"
)

type fakeScheduler struct {
	called bool
	err    error
}

func (f *fakeScheduler) Schedule(context.Context) error {
	f.called = true
	return f.err
}

type fakeCron struct {
	started bool
	stopped bool
}

func (f *fakeCron) Start() {
	f.started = true
}

func (f *fakeCron) Stop() context.Context {
	f.stopped = true
	return context.Background()
}

type fakeHTTP struct {
	listenCalled chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	listenErr    error
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func TestMain_StartsCronAndHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Addr: "127.0.0.1:0",
		},
	}
	scheduler := &fakeScheduler{}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, cfg, scheduler, cronEngine, httpSrv)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, scheduler.called)
	assert.True(t, cronEngine.started)
	assert.True(t, cronEngine.stopped)
}

func TestMain_ScheduleErrorStopsStartup(t *testing.T) {
	scheduler := &fakeScheduler{err: errors.New("no cron")}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	err := runWithComponents(context.Background(), &config.Config{}, scheduler, cronEngine, httpSrv)
	require.EqualError(t, err, "no cron")
	assert.False(t, cronEngine.started)
}

func TestMain_ListenErrorIsReturned(t *testing.T) {
	httpSrv := newFakeHTTP()
	httpSrv.listenErr = errors.New("address in use")
	cronEngine := &fakeCron{}

	err := runWithComponents(context.Background(), &config.Config{}, &fakeScheduler{}, cronEngine, httpSrv)
	require.EqualError(t, err, "address in use")
	assert.True(t, cronEngine.stopped)
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Subset(t, names, []string{"serve", "run", "tools", "prune"})

	root.SetArgs([]string{"run", "only-agent"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

func TestPrintRun(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printRun(&buf, &service.RunResponse{
		RunID:      "run-1",
		Content:    "The answer is 42.",
		StopReason: "completed",
		Iterations: 2,
		ToolCalls: []agent.ToolCallRecord{
			{ToolName: "search", ServerID: "docs", Arguments: `{"q":"answer"}`},
		},
		Usage: llm.Usage{TotalTokens: 30},
	}, true)

	out := buf.String()
	assert.Contains(t, out, ` 1. docs/search {"q":"answer"}`)
	assert.Contains(t, out, "The answer is 42.")
	assert.Contains(t, out, "stop: completed  iterations: 2  tool calls: 1  tokens: 30")
	assert.Contains(t, out, "run: run-1")
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "agents.db")

	store, err := persistence.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	old := persistence.Transcript{RunID: "run-old", AgentID: "a", StopReason: "completed", CreatedAt: time.Now().Add(-72 * time.Hour)}
	fresh := persistence.Transcript{RunID: "run-new", AgentID: "a", StopReason: "completed", CreatedAt: time.Now()}
	require.NoError(t, store.SaveTranscript(ctx, old))
	require.NoError(t, store.SaveTranscript(ctx, fresh))
	require.NoError(t, store.Close())

	color.NoColor = true
	var buf bytes.Buffer
	require.NoError(t, prune(ctx, &buf, dbPath, time.Now().Add(-24*time.Hour)))
	assert.Equal(t, "removed: 1\n", buf.String())

	store, err = persistence.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	_, found, err := store.GetTranscript(ctx, "run-old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.GetTranscript(ctx, "run-new")
	require.NoError(t, err)
	assert.True(t, found)
}
