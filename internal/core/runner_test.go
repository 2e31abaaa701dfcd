package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blockci/internal/ledger"
	"blockci/internal/security"
	"blockci/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllSucceed(t *testing.T) {
	exec := newScriptExec()
	report, err := newTestRunner(exec).Run(context.Background(), sixStageGraph(t), newTestContext(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"build:succeeded", "unit-test:succeeded", "lint:succeeded",
		"format-check:succeeded", "publish:succeeded", "deploy:succeeded",
	}, report.Outcomes())
	assert.Equal(t, VerdictSucceeded, report.Verdict())
	assert.True(t, report.Succeeded())
	assert.Len(t, exec.called(), 6)
}

func TestRunFailureSkipsDependentsOnly(t *testing.T) {
	exec := newScriptExec().on("unit-test", scriptStep{exit: 1})
	report, err := newTestRunner(exec).Run(context.Background(), sixStageGraph(t), newTestContext(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"build:succeeded", "unit-test:failed", "lint:succeeded",
		"format-check:succeeded", "publish:skipped", "deploy:skipped",
	}, report.Outcomes())
	assert.Equal(t, VerdictFailed, report.Verdict())
	assert.NotContains(t, exec.called(), "publish")
	assert.NotContains(t, exec.called(), "deploy")

	pub, _ := report.Stage("publish")
	assert.Equal(t, ReasonUpstreamFailed, pub.Reason)
	dep, _ := report.Stage("deploy")
	assert.Equal(t, ReasonUpstreamSkipped, dep.Reason)
	ut, _ := report.Stage("unit-test")
	assert.Contains(t, ut.ErrorDetail, "exit code 1")
}

func TestRunNonDefaultBranchSkipsPublish(t *testing.T) {
	for _, failing := range []string{"", "unit-test", "lint"} {
		t.Run("failing="+failing, func(t *testing.T) {
			exec := newScriptExec()
			if failing != "" {
				exec.on(failing, scriptStep{exit: 2})
			}
			report, err := newTestRunner(exec).Run(context.Background(), sixStageGraph(t), newTestContext(t, "feature/x"))
			require.NoError(t, err)

			pub, _ := report.Stage("publish")
			dep, _ := report.Stage("deploy")
			assert.Equal(t, OutcomeSkipped, pub.Outcome)
			assert.Equal(t, OutcomeSkipped, dep.Outcome)
			assert.NotContains(t, exec.called(), "publish")
		})
	}

	report, err := newTestRunner(newScriptExec()).Run(context.Background(), sixStageGraph(t), newTestContext(t, "feature/x"))
	require.NoError(t, err)
	pub, _ := report.Stage("publish")
	assert.Equal(t, ReasonPredicate, pub.Reason)
	assert.Equal(t, VerdictSucceeded, report.Verdict())
}

func TestRunCancelAfterBuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newScriptExec()
	r := newTestRunner(exec)
	r.On(func(ev Event) {
		if ev.Type == EventStageFinished && ev.Stage == "build" {
			cancel()
		}
	})

	report, err := r.Run(ctx, sixStageGraph(t), newTestContext(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, VerdictCancelled, report.Verdict())
	assert.Equal(t, []string{"build"}, exec.called())
	for _, s := range report.Stages()[1:] {
		assert.Equal(t, OutcomeSkipped, s.Outcome, s.Stage)
		assert.Equal(t, ReasonCancelled, s.Reason, s.Stage)
	}
}

func TestRunCancelKillsInFlightStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newScriptExec().on("unit-test", scriptStep{block: true})
	r := newTestRunner(exec)
	r.On(func(ev Event) {
		if ev.Type == EventStageStarted && ev.Stage == "unit-test" {
			go cancel()
		}
	})

	done := make(chan *Report)
	go func() {
		report, err := r.Run(ctx, sixStageGraph(t), newTestContext(t, "main"))
		assert.NoError(t, err)
		done <- report
	}()

	select {
	case report := <-done:
		ut, _ := report.Stage("unit-test")
		assert.Equal(t, OutcomeSkipped, ut.Outcome)
		assert.Equal(t, ReasonCancelled, ut.Reason)
		pub, _ := report.Stage("publish")
		assert.Equal(t, ReasonCancelled, pub.Reason)
		assert.Equal(t, VerdictCancelled, report.Verdict())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}
}

func TestRunKeepsSuccessCompletedDuringCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publish := Stage{Name: "publish", Action: ActionFunc(func(ctx context.Context, sc *StageContext) (*ActionResult, error) {
		cancel()
		return &ActionResult{Artifact: "repo@sha256:abc", Tags: []string{"repo:latest", "repo:abc"}}, nil
	})}
	g, err := NewGraph("p", "", []Stage{publish, cmdStage("deploy", "publish")})
	require.NoError(t, err)
	c := newTestContext(t, "main")

	exec := newScriptExec()
	report, err := newTestRunner(exec).Run(ctx, g, c)
	require.NoError(t, err)

	res, ok := report.Stage("publish")
	require.True(t, ok)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "repo@sha256:abc", res.Artifact)
	assert.Equal(t, []string{"repo:latest", "repo:abc"}, res.Tags)
	ref, ok := c.Artifact("publish")
	require.True(t, ok)
	assert.Equal(t, "repo@sha256:abc", ref)

	deploy, _ := report.Stage("deploy")
	assert.Equal(t, ReasonCancelled, deploy.Reason)
	assert.Empty(t, exec.called())
	assert.Equal(t, VerdictCancelled, report.Verdict())
}

func TestRunCycleExecutesNothing(t *testing.T) {
	exec := newScriptExec()
	_, err := NewGraph("cyclic", "", []Stage{cmdStage("a", "b"), cmdStage("b", "a")})
	require.ErrorIs(t, err, ErrCycle)
	assert.Empty(t, exec.called())
}

func TestRunRetriesTransientFailures(t *testing.T) {
	exec := newScriptExec().on("flaky", scriptStep{exit: 75}, scriptStep{exit: 75}, scriptStep{exit: 0})
	sleeper := &recordingSleeper{}
	r := newTestRunner(exec)
	r.Sleeper = sleeper

	var retries atomic.Int32
	r.On(func(ev Event) {
		if ev.Type == EventStageRetrying {
			retries.Add(1)
		}
	})

	g, err := NewGraph("p", "", []Stage{{
		Name:   "flaky",
		Retry:  RetryPolicy{MaxAttempts: 3, Backoff: BackoffConfig{InitialDelay: time.Second, Factor: 2}},
		Action: &CommandAction{Command: Command{Run: "flaky"}, TransientExitCodes: []int{75}},
	}})
	require.NoError(t, err)

	report, err := r.Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)

	res, _ := report.Stage("flaky")
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.Equal(t, "succeeded after 3 attempts (delays: 1s, 2s)", res.ErrorDetail)
	assert.EqualValues(t, 2, retries.Load())
}

func TestRunExhaustedRetriesFail(t *testing.T) {
	exec := newScriptExec().on("flaky", scriptStep{exit: 75})
	g, err := NewGraph("p", "", []Stage{{
		Name:   "flaky",
		Retry:  RetryPolicy{MaxAttempts: 2},
		Action: &CommandAction{Command: Command{Run: "flaky"}, TransientExitCodes: []int{75}},
	}})
	require.NoError(t, err)

	report, err := newTestRunner(exec).Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)

	res, _ := report.Stage("flaky")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.ErrorDetail, "retries exhausted")
}

func TestRunDoesNotRetryDeterministicFailures(t *testing.T) {
	exec := newScriptExec().on("test", scriptStep{exit: 1})
	g, err := NewGraph("p", "", []Stage{{
		Name:   "test",
		Retry:  RetryPolicy{MaxAttempts: 5},
		Action: &CommandAction{Command: Command{Run: "test"}, TransientExitCodes: []int{75}},
	}})
	require.NoError(t, err)

	report, err := newTestRunner(exec).Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)
	res, _ := report.Stage("test")
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, exec.called(), 1)
}

func TestRunStageTimeout(t *testing.T) {
	exec := newScriptExec().on("slow", scriptStep{block: true})
	slow := cmdStage("slow")
	slow.Timeout = 20 * time.Millisecond

	g, err := NewGraph("p", "", []Stage{slow, cmdStage("after", "slow"), cmdStage("other")})
	require.NoError(t, err)

	report, err := newTestRunner(exec).Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, []string{"slow:failed", "after:skipped", "other:succeeded"}, report.Outcomes())
	res, _ := report.Stage("slow")
	assert.Contains(t, res.ErrorDetail, "timed out after 20ms")
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	action := ActionFunc(func(ctx context.Context, sc *StageContext) (*ActionResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &ActionResult{}, nil
	})

	var stages []Stage
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		stages = append(stages, Stage{Name: name, Action: action})
	}
	g, err := NewGraph("p", "", stages)
	require.NoError(t, err)

	r := newTestRunner(newScriptExec())
	r.Concurrency = 2
	var once sync.Once
	r.On(func(ev Event) {
		if ev.Type == EventStageStarted {
			once.Do(func() {
				go func() {
					time.Sleep(20 * time.Millisecond)
					close(release)
				}()
			})
		}
	})

	report, err := r.Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)
	assert.Equal(t, VerdictSucceeded, report.Verdict())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunRecordsArtifactsAndPassesThemDownstream(t *testing.T) {
	exec := newScriptExec().on("build", scriptStep{stdout: "building\nsha256:abc\n"})
	build := cmdStage("build")
	build.Action = &CommandAction{Command: Command{Run: "build"}, ArtifactFromStdout: true}

	g, err := NewGraph("p", "", []Stage{build, cmdStage("deploy", "build")})
	require.NoError(t, err)
	c := newTestContext(t, "main")

	report, err := newTestRunner(exec).Run(context.Background(), g, c)
	require.NoError(t, err)

	res, _ := report.Stage("build")
	assert.Equal(t, "sha256:abc", res.Artifact)
	ref, ok := c.Artifact("build")
	require.True(t, ok)
	assert.Equal(t, "sha256:abc", ref)
	assert.Equal(t, "sha256:abc", exec.env("deploy")["BLOCKCI_ARTIFACT_BUILD"])
	assert.Equal(t, "main", exec.env("deploy")["BLOCKCI_BRANCH"])
	assert.Equal(t, c.RunID(), exec.env("deploy")["BLOCKCI_RUN_ID"])
}

func TestRunResolvesAndRedactsSecrets(t *testing.T) {
	exec := newScriptExec().on("deploy", scriptStep{exit: 1, stdout: "login with hunter2 failed"})
	deploy := cmdStage("deploy")
	deploy.Secrets = []string{"deploy_token"}
	g, err := NewGraph("p", "", []Stage{deploy})
	require.NoError(t, err)

	c, err := NewContext(Trigger{Type: TriggerManual, Branch: "main", CommitSHA: "abc"}, ContextOptions{
		Secrets: security.MapSecrets{"deploy_token": "hunter2"},
	})
	require.NoError(t, err)

	r := newTestRunner(exec)
	r.LogStorage = storage.NewLogStorage(t.TempDir())
	report, err := r.Run(context.Background(), g, c)
	require.NoError(t, err)

	assert.Equal(t, "hunter2", exec.env("deploy")["DEPLOY_TOKEN"])
	res, _ := report.Stage("deploy")
	require.NotEmpty(t, res.LogPath)
	out, err := r.LogStorage.ReadLog(c.RunID(), "deploy")
	require.NoError(t, err)
	assert.Contains(t, out, "login with *** failed")
	assert.NotContains(t, out, "hunter2")
}

func TestRunMissingSecretFailsStage(t *testing.T) {
	exec := newScriptExec()
	deploy := cmdStage("deploy")
	deploy.Secrets = []string{"missing"}
	g, err := NewGraph("p", "", []Stage{deploy, cmdStage("lint")})
	require.NoError(t, err)

	report, err := newTestRunner(exec).Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy:failed", "lint:succeeded"}, report.Outcomes())
	assert.Equal(t, []string{"lint"}, exec.called())
}

func TestRunAppendsToLedger(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(dir+"/ledger.jsonl", nil)
	require.NoError(t, err)

	r := newTestRunner(newScriptExec().on("unit-test", scriptStep{exit: 1}))
	r.Ledger = l
	r.LogStorage = storage.NewLogStorage(dir + "/logs")

	report, err := r.Run(context.Background(), sixStageGraph(t), newTestContext(t, "main"))
	require.NoError(t, err)

	records := l.Records()
	require.Len(t, records, 7)
	last := records[len(records)-1]
	assert.Equal(t, ledger.KindRun, last.Kind)
	assert.Equal(t, report.RunID(), last.RunID)
	assert.Equal(t, "failed", last.Outcome)
	require.NoError(t, l.Verify())
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var types []EventType
	r := newTestRunner(newScriptExec())
	r.On(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
	})

	g, err := NewGraph("p", "", []Stage{cmdStage("a"), cmdStage("b", "a")})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), g, newTestContext(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventRunStarted,
		EventStageStarted, EventStageFinished,
		EventStageStarted, EventStageFinished,
		EventRunFinished,
	}, types)
}
