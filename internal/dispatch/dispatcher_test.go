package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/apptest"
	"github.com/mattjoyce/switchyard/internal/events"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/proxy"
	"github.com/mattjoyce/switchyard/internal/proxy/mocks"
	"github.com/mattjoyce/switchyard/internal/registry"
	"github.com/mattjoyce/switchyard/internal/sandbox"
	"github.com/mattjoyce/switchyard/internal/workspace"
)

func TestMain(m *testing.M) {
	sandbox.Main()
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type harness struct {
	root     string
	dirs     map[string]string
	registry *registry.Registry
	injector *workspace.Injector
	hub      *events.Hub
}

func newHarness(t *testing.T, apps ...apptest.App) *harness {
	t.Helper()
	h := &harness{root: apptest.Root(t), dirs: make(map[string]string), hub: events.NewHub(0)}
	t.Cleanup(h.hub.Close)
	for _, a := range apps {
		h.dirs[a.Identifier] = apptest.Write(t, h.root, a)
	}

	store, err := app.NewStore([]string{h.root}, nil)
	require.NoError(t, err)
	h.registry = registry.New(store, nil)
	_, err = h.registry.Rediscover(context.Background())
	require.NoError(t, err)

	h.injector, err = workspace.NewInjector(workspace.Options{
		ScratchBase:    filepath.Join(t.TempDir(), "scratch"),
		Passthrough:    []string{"PATH"},
		DiscoveryRoots: []string{h.root},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) dispatcher(exec Executor) *Dispatcher {
	return New(Options{
		Tables:   h.registry,
		Injector: h.injector,
		Executor: exec,
		Events:   h.hub,
	})
}

func (h *harness) realProxy() *proxy.Proxy {
	return h.proxyWith(proxy.NewExecRunner(200*time.Millisecond, 0))
}

func (h *harness) proxyWith(runner proxy.Runner) *proxy.Proxy {
	return proxy.New(runner, proxy.Config{
		DiscoveryRoots: []string{h.root},
		ScratchBase:    h.injector.ScratchBase(),
	})
}

func (h *harness) mockProxy(t *testing.T) (*proxy.Proxy, *mocks.MockRunner) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	return proxy.New(runner, proxy.Config{ScratchBase: h.injector.ScratchBase()}), runner
}

func scratchEntries(t *testing.T, h *harness) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(h.injector.ScratchBase())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestDispatchForwardsPayloadVerbatim(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha"})
	d := h.dispatcher(h.realProxy())

	res := d.Dispatch(context.Background(), "/alpha   summarise  'q3 report'\t$HOME  \"x\"")

	require.Equal(t, StatusCompleted, res.Status, res.Message)
	assert.Equal(t, "alpha", res.App)
	assert.Equal(t, StateValidated, res.State)
	assert.NotEmpty(t, res.DispatchID)
	assert.Empty(t, res.Fallback)

	out := filepath.Join(h.dirs["alpha"], "runs", "payload.txt")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "summarise  'q3 report'\t$HOME  \"x\"", string(data))
	assert.Equal(t, []string{out}, res.Artifacts)
	assert.Equal(t, filepath.Join(h.dirs["alpha"], "runs"), res.OutputLocation)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Empty(t, scratchEntries(t, h), "scratch directory should be released")
}

func TestDispatchUnknownApplicationExecutesNothing(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha"}, apptest.App{Identifier: "beta"})
	p, runner := h.mockProxy(t)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(0)

	res := h.dispatcher(p).Dispatch(context.Background(), "/gamma do the thing")

	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, KindUnknownApplication, res.Kind)
	assert.Equal(t, "gamma", res.App)
	assert.Equal(t, []string{"alpha", "beta"}, res.Known)
	assert.Equal(t, StateParsed, res.State)
	assert.Contains(t, res.Message, "gamma")
	assert.Empty(t, res.Fallback)
	assert.Nil(t, res.ExitCode)
	assert.Empty(t, scratchEntries(t, h))
}

func TestDispatchMalformedInputIsRejected(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha"})
	p, runner := h.mockProxy(t)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(0)
	d := h.dispatcher(p)

	for _, input := range []string{"", "   ", "alpha hello", "/", "/alpha", "/ alpha hello"} {
		t.Run(input, func(t *testing.T) {
			res := d.Dispatch(context.Background(), input)
			assert.Equal(t, StatusRejected, res.Status)
			assert.Equal(t, KindMalformed, res.Kind)
			assert.Equal(t, StateReceived, res.State)
			assert.Contains(t, res.Message, "/<application> <request>")
		})
	}
}

func TestDispatchBoundaryViolationLeavesSiblingUntouched(t *testing.T) {
	h := newHarness(t,
		apptest.App{Identifier: "alpha", Script: `echo pwned > "$(pwd)/../beta/runs/stolen.txt"; echo ok > "$(pwd)/runs/out.txt"`},
		apptest.App{Identifier: "beta"},
	)
	d := h.dispatcher(h.realProxy())

	res := d.Dispatch(context.Background(), "/alpha go")

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindBoundaryViolation, res.Kind)
	assert.Equal(t, StateExecuting, res.State)
	assert.Contains(t, res.Message, "stolen.txt")
	assert.Contains(t, res.Fallback, h.dirs["alpha"])

	var bv *proxy.BoundaryViolationError
	require.ErrorAs(t, res.Err, &bv)
	assert.Empty(t, bv.Unreverted)
	_, err := os.Stat(filepath.Join(h.dirs["beta"], "runs", "stolen.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDispatchCrossWritesDegradeOnlyTheWriter(t *testing.T) {
	runners := map[string]func(t *testing.T) proxy.Runner{
		"supervised": func(t *testing.T) proxy.Runner {
			return proxy.NewExecRunner(200*time.Millisecond, 0)
		},
		"confined": func(t *testing.T) proxy.Runner {
			if !sandbox.Available() {
				t.Skipf("landlock ABI %d < %d on this kernel", sandbox.ABI(), sandbox.MinABI)
			}
			l, err := sandbox.NewLauncher()
			require.NoError(t, err)
			return proxy.NewExecRunner(200*time.Millisecond, 0).WithSandbox(l)
		},
	}
	directions := [][2]string{{"alpha", "beta"}, {"beta", "alpha"}}

	for mode, newRunner := range runners {
		for _, dir := range directions {
			for _, overlap := range []bool{false, true} {
				writer, target := dir[0], dir[1]
				name := mode + "/" + writer + "->" + target
				if overlap {
					name += "/target-in-flight"
				}
				t.Run(name, func(t *testing.T) {
					h := newHarness(t,
						apptest.App{Identifier: writer, Script: `echo pwned > "$(pwd)/../` + target + `/runs/evil.txt"`},
						apptest.App{Identifier: target, Script: `sleep 0.3; cat > runs/out.txt`},
					)
					d := h.dispatcher(h.proxyWith(newRunner(t)))

					var targetRes *Result
					var wg sync.WaitGroup
					wg.Add(1)
					runTarget := func() {
						defer wg.Done()
						targetRes = d.Dispatch(context.Background(), "/"+target+" b")
					}
					if overlap {
						go runTarget()
						time.Sleep(50 * time.Millisecond)
					} else {
						runTarget()
					}
					writerRes := d.Dispatch(context.Background(), "/"+writer+" a")
					wg.Wait()

					assert.Equal(t, StatusDegraded, writerRes.Status)
					assert.Equal(t, KindBoundaryViolation, writerRes.Kind)
					assert.NotEmpty(t, writerRes.Fallback)

					require.Equal(t, StatusCompleted, targetRes.Status, targetRes.Message)
					out := filepath.Join(h.dirs[target], "runs", "out.txt")
					assert.Equal(t, []string{out}, targetRes.Artifacts)
					assert.NoFileExists(t, filepath.Join(h.dirs[target], "runs", "evil.txt"))
				})
			}
		}
	}
}

func TestDispatchApplicationFailure(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha", Script: "cat >/dev/null; echo 'quota exceeded' >&2; exit 3"})
	d := h.dispatcher(h.realProxy())

	res := d.Dispatch(context.Background(), "/alpha it's late")

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindApplicationFailed, res.Kind)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, "quota exceeded", res.Stderr)
	assert.Contains(t, res.Message, "quota exceeded")
	assert.Equal(t, "cd "+h.dirs["alpha"]+` && printf '%s' 'it'\''s late' | ./bin/run`, res.Fallback)
}

func TestDispatchContractViolation(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha", Script: `echo loose > "$(pwd)/stray.txt"`})
	d := h.dispatcher(h.realProxy())

	res := d.Dispatch(context.Background(), "/alpha go")

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindContractViolation, res.Kind)
	assert.Equal(t, StateExecuting, res.State)
	assert.Contains(t, res.Message, "stray.txt")
	assert.NotEmpty(t, res.Fallback)
}

func TestDispatchMissingDependency(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha", Dependencies: []string{"switchyard-absent-tool"}})
	p, runner := h.mockProxy(t)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(0)

	res := h.dispatcher(p).Dispatch(context.Background(), "/alpha go")

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindMissingDependency, res.Kind)
	assert.Equal(t, StateResolved, res.State)
	assert.Contains(t, res.Message, "switchyard-absent-tool")
	assert.NotEmpty(t, res.Fallback)
	assert.Empty(t, scratchEntries(t, h))
}

func TestDispatchCancelledBeforeExecution(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha"})
	p, runner := h.mockProxy(t)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.dispatcher(p).Dispatch(ctx, "/alpha go")

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindCancelled, res.Kind)
	assert.Equal(t, StateResolved, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, scratchEntries(t, h))
	_, err := os.Stat(filepath.Join(h.dirs["alpha"], "runs", "payload.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDispatchTimeoutDuringExecution(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha", Script: "sleep 30"})
	d := h.dispatcher(h.realProxy())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := d.Dispatch(ctx, "/alpha go")

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindTimeout, res.Kind)
	assert.Equal(t, StateExecuting, res.State)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Empty(t, scratchEntries(t, h))
}

func TestDispatchConcurrentAppsAreIndependent(t *testing.T) {
	h := newHarness(t,
		apptest.App{Identifier: "alpha", Script: `sleep 0.2; cat > "$(pwd)/runs/payload.txt"`},
		apptest.App{Identifier: "beta", Script: `sleep 0.2; cat > "$(pwd)/runs/payload.txt"`},
		apptest.App{Identifier: "gamma", Script: "cat >/dev/null; exit 1"},
	)
	d := h.dispatcher(h.realProxy())

	inputs := []string{"/alpha one", "/beta two", "/gamma three", "/alpha four"}
	results := make([]*Result, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			results[i] = d.Dispatch(context.Background(), in)
		}(i, in)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, res := range results {
		ids[res.DispatchID] = true
		if strings.HasPrefix(inputs[i], "/gamma") {
			assert.Equal(t, StatusDegraded, res.Status)
			assert.Equal(t, KindApplicationFailed, res.Kind)
			continue
		}
		assert.Equal(t, StatusCompleted, res.Status, "%s: %s", inputs[i], res.Message)
		require.Len(t, res.Artifacts, 1)
		assert.True(t, strings.HasPrefix(res.Artifacts[0], h.dirs[res.App]), "artifact %s outside %s", res.Artifacts[0], res.App)
	}
	assert.Len(t, ids, len(inputs))

	data, err := os.ReadFile(filepath.Join(h.dirs["beta"], "runs", "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, proxy.Request) (proxy.RawOutcome, error) {
	panic("executor exploded")
}

func TestDispatchRecoversPanics(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha"})
	d := h.dispatcher(panickingExecutor{})

	res := d.Dispatch(context.Background(), "/alpha go")

	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindInternal, res.Kind)
	assert.Equal(t, StateExecuting, res.State)
	var pe *PanicError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "execute", pe.Stage)
	assert.Contains(t, res.Message, "executor exploded")
	assert.Empty(t, scratchEntries(t, h), "context must be released after a panic")

	// The dispatcher keeps working afterwards.
	ok := h.dispatcher(h.realProxy()).Dispatch(context.Background(), "/alpha again")
	assert.Equal(t, StatusCompleted, ok.Status, ok.Message)
}

type nilTables struct{}

func (nilTables) Current() *registry.Table { return nil }

func TestDispatchWithoutTableDegrades(t *testing.T) {
	d := New(Options{Tables: nilTables{}})
	res := d.Dispatch(context.Background(), "/alpha go")
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, KindInternal, res.Kind)
	assert.Empty(t, res.Fallback)
}

func TestDispatchUsesSnapshotTakenAtStart(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha", Script: `sleep 0.3; cat > "$(pwd)/runs/payload.txt"`})
	d := h.dispatcher(h.realProxy())

	done := make(chan *Result, 1)
	go func() { done <- d.Dispatch(context.Background(), "/alpha late") }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.RemoveAll(h.dirs["alpha"]+"/manifest.yaml"))
	_, err := h.registry.Rediscover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.registry.Current().Len())

	res := <-done
	assert.Equal(t, StatusCompleted, res.Status, res.Message)

	next := d.Dispatch(context.Background(), "/alpha again")
	assert.Equal(t, StatusRejected, next.Status)
	assert.Equal(t, KindUnknownApplication, next.Kind)
}

func TestDispatchPublishesEvents(t *testing.T) {
	h := newHarness(t, apptest.App{Identifier: "alpha"})
	res := h.dispatcher(h.realProxy()).Dispatch(context.Background(), "/alpha hi")
	require.Equal(t, StatusCompleted, res.Status, res.Message)

	var states []string
	var finished map[string]any
	for _, ev := range h.hub.SnapshotSince(0) {
		switch ev.Type {
		case events.DispatchState:
			var se stateEvent
			require.NoError(t, json.Unmarshal(ev.Data, &se))
			assert.Equal(t, res.DispatchID, se.DispatchID)
			states = append(states, string(se.To))
		case events.DispatchFinished:
			require.NoError(t, json.Unmarshal(ev.Data, &finished))
		}
	}
	assert.Equal(t, []string{"received", "parsed", "resolved", "context_ready", "executing", "validated", "completed"}, states)
	require.NotNil(t, finished)
	assert.Equal(t, "completed", finished["status"])
	assert.Equal(t, res.DispatchID, finished["dispatch_id"])
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateReceived, StateParsed},
		{StateReceived, StateRejected},
		{StateParsed, StateResolved},
		{StateParsed, StateRejected},
		{StateResolved, StateContextReady},
		{StateContextReady, StateExecuting},
		{StateExecuting, StateValidated},
		{StateValidated, StateCompleted},
		{StateExecuting, StateDegraded},
		{StateReceived, StateDegraded},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}

	illegal := [][2]State{
		{StateReceived, StateExecuting},
		{StateResolved, StateRejected},
		{StateExecuting, StateRejected},
		{StateExecuting, StateCompleted},
		{StateCompleted, StateDegraded},
		{StateDegraded, StateCompleted},
		{StateRejected, StateParsed},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}
}

func TestMachineRefusesIllegalStep(t *testing.T) {
	m := newMachine("id", log.WithComponent("test"), nil)
	require.NoError(t, m.advance(StateParsed))
	require.Error(t, m.advance(StateExecuting))
	assert.Equal(t, StateParsed, m.state)
	require.NoError(t, m.advance(StateDegraded))
	assert.Equal(t, StateParsed, m.last)
	assert.True(t, m.state.Terminal())
}

func TestFallbackCommand(t *testing.T) {
	desc := app.Descriptor{Root: "/srv/apps/my app", EntryPoint: "/srv/apps/my app/bin/run"}

	tests := []struct {
		payload string
		want    string
	}{
		{"plain", `cd '/srv/apps/my app' && printf '%s' plain | ./bin/run`},
		{"two words", `cd '/srv/apps/my app' && printf '%s' 'two words' | ./bin/run`},
		{"it's", `cd '/srv/apps/my app' && printf '%s' 'it'\''s' | ./bin/run`},
		{"$(rm -rf /)", `cd '/srv/apps/my app' && printf '%s' '$(rm -rf /)' | ./bin/run`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FallbackCommand(desc, tt.payload))
	}
}

func TestResultWire(t *testing.T) {
	code := 2
	r := &Result{
		Status:     StatusDegraded,
		DispatchID: "d1",
		App:        "alpha",
		State:      StateExecuting,
		Kind:       KindApplicationFailed,
		Message:    "boom",
		Fallback:   "cd /x && ./run",
		ExitCode:   &code,
		Duration:   1500 * time.Millisecond,
	}
	w := r.Wire()
	assert.Equal(t, "degraded", w.Status)
	assert.Equal(t, "executing", w.State)
	assert.Equal(t, "application_failed", w.Kind)
	assert.Equal(t, int64(1500), w.DurationMS)
	assert.Equal(t, &code, w.ExitCode)
}
