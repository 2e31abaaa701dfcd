package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blockci/internal/core"
	"blockci/internal/ledger"
	"blockci/internal/metrics"
	"blockci/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateExec succeeds every command, but blocks commands named "wait" until
// the gate is closed or ctx ends.
type gateExec struct {
	gate chan struct{}
}

func (e *gateExec) Exec(ctx context.Context, cmd core.Command, _ string) (*core.ProcessResult, error) {
	if cmd.Run == "wait" {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return &core.ProcessResult{ExitCode: -1}, ctx.Err()
		}
	}
	return &core.ProcessResult{Stdout: "ran " + cmd.Run + "\n"}, nil
}

func testGraph() (*core.Graph, error) {
	return core.NewGraph("app", "main", []core.Stage{
		{Name: "build", Action: &core.CommandAction{Command: core.Command{Run: "wait"}}},
		{Name: "test", DependsOn: []string{"build"}, Action: &core.CommandAction{Command: core.Command{Run: "test"}}},
	})
}

type fixture struct {
	srv    *Server
	stop   context.CancelFunc
	http   *httptest.Server
	client *Client
	gate   chan struct{}
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gate := make(chan struct{})
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"), nil)
	require.NoError(t, err)
	logs := storage.NewLogStorage(filepath.Join(dir, "logs"))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	runner := core.NewRunner(&gateExec{gate: gate})
	runner.Ledger = l
	runner.LogStorage = logs
	runner.On(m.Observe)

	srv := New(Options{
		Runner:   runner,
		Pipeline: testGraph,
		Ledger:   l,
		Logs:     logs,
		Gatherer: reg,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, stop: cancel, http: hs, client: NewClient(hs.URL), gate: gate, ledger: l}
}

func (f *fixture) status(t *testing.T, id string) RunStatus {
	t.Helper()
	v, err := f.client.Run(context.Background(), id)
	require.NoError(t, err)
	return v.Status
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerRunsPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, resp.Status)
	require.NotEmpty(t, resp.RunID)

	close(f.gate)
	v, err := f.client.Wait(ctx, resp.RunID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, v.Status)
	assert.Equal(t, core.VerdictSucceeded, v.Verdict)
	require.NotNil(t, v.Report)
	assert.Equal(t, []string{"build:succeeded", "test:succeeded"}, v.Report.Outcomes())

	// listing omits reports
	res, err := http.Get(f.http.URL + "/runs")
	require.NoError(t, err)
	defer res.Body.Close()
	var list []RunView
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Report)
	assert.Equal(t, core.VerdictSucceeded, list[0].Verdict)
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{
		`{"type":"push","branch":"main"}`,
		`{"type":"tag","branch":"main","commitSHA":"a"}`,
		`{"type":"push","branch":"main","commitSHA":"a","extra":1}`,
		`not json`,
	} {
		res, err := http.Post(f.http.URL+"/triggers", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, body)
	}
}

func TestTriggerWithBrokenPipeline(t *testing.T) {
	srv := New(Options{
		Runner: core.NewRunner(&gateExec{}),
		Pipeline: func() (*core.Graph, error) {
			return core.NewGraph("bad", "", []core.Stage{
				{Name: "a", DependsOn: []string{"a"}, Action: &core.CommandAction{}},
			})
		},
	})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	body, _ := json.Marshal(core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "a"})
	res, err := http.Post(hs.URL+"/triggers", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestCancelRunningRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "abc"})
	require.NoError(t, err)
	waitFor(t, func() bool { return f.status(t, resp.RunID) == StatusRunning })

	res, err := http.Post(f.http.URL+"/runs/"+resp.RunID+"/cancel", "", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	v, err := f.client.Wait(ctx, resp.RunID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictCancelled, v.Verdict)
	assert.Equal(t, []string{"build:skipped", "test:skipped"}, v.Report.Outcomes())

	res, err = http.Post(f.http.URL+"/runs/"+resp.RunID+"/cancel", "", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestCancelQueuedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "1"})
	require.NoError(t, err)
	second, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "2"})
	require.NoError(t, err)
	waitFor(t, func() bool { return f.status(t, first.RunID) == StatusRunning })

	res, err := http.Post(f.http.URL+"/runs/"+second.RunID+"/cancel", "", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	close(f.gate)
	v, err := f.client.Wait(ctx, first.RunID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictSucceeded, v.Verdict)

	v2, err := f.client.Run(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, v2.Status)
	assert.Equal(t, core.VerdictCancelled, v2.Verdict)
	require.NotNil(t, v2.Report)
	assert.Equal(t, second.RunID, v2.Report.RunID())
	assert.Equal(t, "cancelled [build:skipped:cancelled, test:skipped:cancelled]", v2.Report.Summary())
}

func TestTriggerTypeIsNormalized(t *testing.T) {
	srv := New(Options{
		Runner: core.NewRunner(&gateExec{}),
		Pipeline: func() (*core.Graph, error) {
			return core.NewGraph("app", "main", []core.Stage{
				{Name: "pushonly", Predicate: core.OnTriggers(core.TriggerPush), Action: &core.CommandAction{Command: core.Command{Run: "push"}}},
			})
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	res, err := http.Post(hs.URL+"/triggers", "application/json",
		strings.NewReader(`{"type":"PUSH","branch":"main","commitSHA":"abc"}`))
	require.NoError(t, err)
	var tr TriggerResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&tr))
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	v, err := NewClient(hs.URL).Wait(ctx, tr.RunID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.TriggerPush, v.Trigger.Type)
	assert.Equal(t, core.TriggerPush, v.Report.Trigger().Type)
	assert.Equal(t, []string{"pushonly:succeeded"}, v.Report.Outcomes())
}

func TestStartWaitsForInFlightRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "abc"})
	require.NoError(t, err)
	waitFor(t, func() bool { return f.status(t, resp.RunID) == StatusRunning })

	f.stop()
	select {
	case <-f.srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}

	// the interrupted run is fully recorded by the time Start returns
	v, err := f.client.Run(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, v.Status)
	assert.Equal(t, core.VerdictCancelled, v.Verdict)
	assert.Equal(t, 3, f.ledger.Len())
	require.NoError(t, f.ledger.Verify())
}

func TestStageLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	close(f.gate)

	resp, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerPush, Branch: "main", CommitSHA: "abc"})
	require.NoError(t, err)
	_, err = f.client.Wait(ctx, resp.RunID, 10*time.Millisecond)
	require.NoError(t, err)

	res, err := http.Get(f.http.URL + "/runs/" + resp.RunID + "/logs/test")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "ran test\n", buf.String())

	res2, err := http.Get(f.http.URL + "/runs/" + resp.RunID + "/logs/deploy")
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusNotFound, res2.StatusCode)
}

func TestGetUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Run(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestLedgerVerifyAndMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	close(f.gate)

	resp, err := f.client.Trigger(ctx, core.Trigger{Type: core.TriggerManual, Branch: "main", CommitSHA: "abc"})
	require.NoError(t, err)
	_, err = f.client.Wait(ctx, resp.RunID, 10*time.Millisecond)
	require.NoError(t, err)

	res, err := http.Get(f.http.URL + "/ledger/verify")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, true, out["ok"])
	assert.EqualValues(t, 3, out["records"])

	mres, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer mres.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(mres.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `blockci_runs_total{pipeline="app",verdict="succeeded"} 1`)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	res, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
