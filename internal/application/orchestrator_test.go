package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-wellflow/infrastructure/devices"
	"github.com/ahrav/go-wellflow/infrastructure/functions"
	"github.com/ahrav/go-wellflow/internal/domain"
	"github.com/ahrav/go-wellflow/internal/ports"
)

// eventLog records lifecycle events across handles and observers.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(e string) int {
	n := 0
	for _, got := range l.snapshot() {
		if got == e {
			n++
		}
	}
	return n
}

type recordingVFS struct {
	ports.VFS
	log *eventLog
}

func (r *recordingVFS) Reset(ctx context.Context) error {
	r.log.add("reset")
	return r.VFS.Reset(ctx)
}

type recordingObserver struct {
	noopObserver
	log *eventLog
}

func (o recordingObserver) WellFinished(_ context.Context, result domain.ExecutionResult) {
	o.log.add("finished:" + result.Well)
}

func recordingHandles(newHandle func() ports.VFS, log *eventLog) func() ports.VFS {
	return func() ports.VFS {
		log.add("open")
		return &recordingVFS{VFS: newHandle(), log: log}
	}
}

func mustOrchestrator(t *testing.T, newHandle func() ports.VFS, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(newHandle, mustRunner(t), opts...)
	require.NoError(t, err)
	return o
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil, mustRunner(t))
	assert.Error(t, err)
	_, err = NewOrchestrator(func() ports.VFS { return nil }, nil)
	assert.Error(t, err)
}

func TestOrchestrator_ExecuteAll(t *testing.T) {
	wells := []string{"A01", "A02", "B01", "B02", "C01"}

	for _, limit := range []int{1, 3, 0} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			reg := newVFS(t)
			seed := reg.NewHandle()
			for i, well := range wells {
				seedWell(t, seed, "input", well, 2, 1, float64(i))
			}

			c := mustCompiler(t, []*domain.StepDraft{
				domain.NewStep("double", scaleBy(2)),
				domain.NewStep("copy", domain.NewSingle(functions.Identity())),
			}, testConfig())
			contexts, errs := c.CompileAll(context.Background(), wells)
			require.Empty(t, errs)

			results := mustOrchestrator(t, handleFactory(reg)).ExecuteAll(context.Background(), contexts, limit)
			require.Len(t, results, len(wells))
			for i, well := range wells {
				r := results[well]
				assert.Equal(t, well, r.Well)
				assert.True(t, r.Succeeded(), "%s: %s", well, r.Error)
				v := float64(i)
				assert.Equal(t, []float64{2 * v, 2 * (v + 1), 2 * (v + 1)},
					loadImage(t, seed, "output/"+well+"_s1_w1.tif", domain.BackendDisk))
			}
		})
	}
}

func TestOrchestrator_FailureIsolation(t *testing.T) {
	host := domain.Contract{InputMemory: domain.MemoryHost, OutputMemory: domain.MemoryHost}
	panicky := kernelFn("panicky", host, func(_ context.Context, call domain.Call) (domain.Output, error) {
		if call.Well == "A02" {
			panic("bad pixel")
		}
		return domain.Output{Stack: call.Stack}, nil
	})

	reg := newVFS(t)
	seed := reg.NewHandle()
	for _, well := range []string{"A01", "A02", "A03"} {
		seedWell(t, seed, "input", well, 1, 1, 1)
	}

	c := mustCompiler(t, []*domain.StepDraft{domain.NewStep("maybe", domain.NewSingle(panicky))}, testConfig())
	contexts, errs := c.CompileAll(context.Background(), []string{"A01", "A02", "A03", "Z99"})
	require.Empty(t, errs)

	unfrozen := domain.NewExecutionContext("U01")
	contexts["U01"] = unfrozen

	log := &eventLog{}
	o := mustOrchestrator(t, recordingHandles(handleFactory(reg), log))
	results := o.ExecuteAll(context.Background(), contexts, 2)

	require.Len(t, results, 5)
	assert.True(t, results["A01"].Succeeded())
	assert.True(t, results["A03"].Succeeded())

	assert.Equal(t, domain.StatusFailed, results["A02"].Status)
	assert.Contains(t, results["A02"].Error, "well panicked")
	assert.Contains(t, results["A02"].Error, "bad pixel")

	assert.Equal(t, domain.StatusFailed, results["Z99"].Status)
	assert.Contains(t, results["Z99"].Error, ErrNoInput.Error())

	assert.Equal(t, domain.StatusFailed, results["U01"].Status)
	assert.Contains(t, results["U01"].Error, ErrNotFrozen.Error())

	assert.Equal(t, 5, log.count("reset"), "every well is cleaned up")
	assert.Equal(t, 2, log.count("open"), "one handle per worker")
}

func TestOrchestrator_CleanupBeforeResult(t *testing.T) {
	reg := newVFS(t)
	seed := reg.NewHandle()
	seedWell(t, seed, "input", "A01", 1, 1, 1)
	seedWell(t, seed, "input", "A02", 1, 1, 1)

	c := mustCompiler(t, []*domain.StepDraft{domain.NewStep("copy", domain.NewSingle(functions.Identity()))}, testConfig())
	contexts, errs := c.CompileAll(context.Background(), []string{"A01", "A02"})
	require.Empty(t, errs)

	log := &eventLog{}
	o := mustOrchestrator(t,
		recordingHandles(handleFactory(reg), log),
		WithExecutionObserver(recordingObserver{log: log}),
	)
	o.ExecuteAll(context.Background(), contexts, 1)

	assert.Equal(t, []string{"open", "reset", "finished:A01", "reset", "finished:A02"}, log.snapshot())
}

func TestOrchestrator_DeviceBookkeeping(t *testing.T) {
	reg := newVFS(t)
	seed := reg.NewHandle()
	seedWell(t, seed, "input", "A01", 1, 1, 1)
	seedWell(t, seed, "input", "A02", 1, 1, 1)

	pool := devices.NewRegistry(nil)
	require.True(t, pool.Initialize(2))

	var mu sync.Mutex
	seen := map[int][]int{}
	released := map[int]int{}
	pool.OnRelease(func(device int) {
		mu.Lock()
		defer mu.Unlock()
		released[device]++
	})

	gpu := kernelFn("gpu", domain.Contract{InputMemory: domain.MemoryCUDA, OutputMemory: domain.MemoryCUDA},
		func(_ context.Context, call domain.Call) (domain.Output, error) {
			mu.Lock()
			defer mu.Unlock()
			seen[call.Device] = pool.Occupancy()
			return domain.Output{Stack: call.Stack}, nil
		})

	c := mustCompiler(t, []*domain.StepDraft{domain.NewStep("gpu", domain.NewSingle(gpu))}, testConfig(),
		WithDeviceAssigner(pool))
	contexts := map[string]*domain.ExecutionContext{}
	for _, well := range []string{"A01", "A02"} {
		ec, err := c.Compile(context.Background(), well)
		require.NoError(t, err)
		contexts[well] = ec
	}

	o := mustOrchestrator(t, handleFactory(reg), WithDeviceTracker(pool))
	results := o.ExecuteAll(context.Background(), contexts, 1)
	for _, r := range results {
		require.True(t, r.Succeeded(), r.Error)
	}

	assert.Equal(t, []int{1, 0}, seen[0], "device 0 busy while A01 runs")
	assert.Equal(t, []int{0, 1}, seen[1], "device 1 busy while A02 runs")
	assert.Equal(t, []int{0, 0}, pool.Occupancy())
	assert.Equal(t, map[int]int{0: 1, 1: 1}, released)
}

func TestOrchestrator_DeviceCleanupOnFailure(t *testing.T) {
	reg := newVFS(t)
	seed := reg.NewHandle()
	for _, well := range []string{"A01", "A02", "A03"} {
		seedWell(t, seed, "input", well, 1, 1, 1)
	}

	pool := devices.NewRegistry(nil)
	require.True(t, pool.Initialize(2))

	var mu sync.Mutex
	released := map[int]int{}
	pool.OnRelease(func(device int) {
		mu.Lock()
		defer mu.Unlock()
		released[device]++
	})

	gpu := kernelFn("gpu", domain.Contract{InputMemory: domain.MemoryCUDA, OutputMemory: domain.MemoryCUDA},
		func(_ context.Context, call domain.Call) (domain.Output, error) {
			switch call.Well {
			case "A01":
				return domain.Output{}, errors.New("out of device memory")
			case "A02":
				panic("kernel fault")
			}
			return domain.Output{Stack: call.Stack}, nil
		})

	c := mustCompiler(t, []*domain.StepDraft{domain.NewStep("gpu", domain.NewSingle(gpu))}, testConfig(),
		WithDeviceAssigner(pool))
	contexts := map[string]*domain.ExecutionContext{}
	for _, well := range []string{"A01", "A02", "A03"} {
		ec, err := c.Compile(context.Background(), well)
		require.NoError(t, err)
		contexts[well] = ec
	}

	results := mustOrchestrator(t, handleFactory(reg), WithDeviceTracker(pool)).
		ExecuteAll(context.Background(), contexts, 1)

	assert.Equal(t, domain.StatusFailed, results["A01"].Status)
	assert.Contains(t, results["A01"].Error, "out of device memory")
	assert.Equal(t, domain.StatusFailed, results["A02"].Status)
	assert.Contains(t, results["A02"].Error, "kernel fault")
	assert.True(t, results["A03"].Succeeded(), results["A03"].Error)

	assert.Equal(t, []int{0, 0}, pool.Occupancy())
	// A01 and A03 share device 0; A02 holds device 1.
	assert.Equal(t, map[int]int{0: 2, 1: 1}, released)
}

// stepBarrier holds every well at the start of step index until all
// parties arrive.
type stepBarrier struct {
	noopObserver
	index   int
	parties int
	mu      sync.Mutex
	arrived int
	ready   chan struct{}
}

func newStepBarrier(index, parties int) *stepBarrier {
	return &stepBarrier{index: index, parties: parties, ready: make(chan struct{})}
}

func (b *stepBarrier) StepStarted(ctx context.Context, _ string, plan domain.StepPlan) context.Context {
	if plan.Index != b.index {
		return ctx
	}
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.parties {
		close(b.ready)
	}
	b.mu.Unlock()

	select {
	case <-b.ready:
	case <-time.After(5 * time.Second):
	}
	return ctx
}

func TestOrchestrator_DurableSpecialsStayPerWell(t *testing.T) {
	produce := kernelFn("produce", domain.Contract{
		InputMemory: domain.MemoryHost, OutputMemory: domain.MemoryHost,
		SpecialOutputs: []string{"pos"},
	}, func(_ context.Context, call domain.Call) (domain.Output, error) {
		return domain.Output{Stack: call.Stack, Specials: map[string]any{"pos": call.Well}}, nil
	})
	consume := kernelFn("consume", domain.Contract{
		InputMemory: domain.MemoryHost, OutputMemory: domain.MemoryHost,
		SpecialInputs: []string{"pos"},
	}, func(_ context.Context, call domain.Call) (domain.Output, error) {
		if got := call.Params["pos"]; got != call.Well {
			return domain.Output{}, fmt.Errorf("well %s read pos=%v", call.Well, got)
		}
		return domain.Output{Stack: call.Stack}, nil
	})
	reg := newVFS(t)
	seed := reg.NewHandle()
	wells := []string{"A01", "A02"}
	for _, well := range wells {
		seedWell(t, seed, "input", well, 1, 1, 1)
	}

	producer := domain.NewStep("produce", domain.NewSingle(produce))
	producer.Materialize = true
	c := mustCompiler(t, []*domain.StepDraft{producer, domain.NewStep("consume", domain.NewSingle(consume))}, testConfig())
	contexts, errs := c.CompileAll(context.Background(), wells)
	require.Empty(t, errs)

	p0, _ := contexts["A01"].Plan(0)
	require.Equal(t, domain.BackendDisk, p0.SpecialOutputs["pos"].Backend)

	runner, err := NewStepRunner(parser, WithStepObserver(newStepBarrier(1, len(wells))))
	require.NoError(t, err)
	o, err := NewOrchestrator(handleFactory(reg), runner)
	require.NoError(t, err)

	results := o.ExecuteAll(context.Background(), contexts, len(wells))
	for _, well := range wells {
		assert.True(t, results[well].Succeeded(), "%s: %s", well, results[well].Error)
	}
}

func TestOrchestrator_Empty(t *testing.T) {
	o := mustOrchestrator(t, handleFactory(newVFS(t)))
	assert.Empty(t, o.ExecuteAll(context.Background(), nil, 4))
}
