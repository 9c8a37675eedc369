package domain

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_Plans(t *testing.T) {
	ec := NewExecutionContext("A01")

	require.NoError(t, ec.AddPlan(StepPlan{Index: 0, Name: "first", VariableComponents: []Component{ComponentSite}}))
	err := ec.AddPlan(StepPlan{Index: 2, Name: "gap"})
	assert.ErrorContains(t, err, "expected 1")

	plan, ok := ec.Plan(0)
	require.True(t, ok)
	assert.Equal(t, "A01", plan.Well, "well is stamped on add")

	plan.VariableComponents[0] = ComponentZIndex
	again, _ := ec.Plan(0)
	assert.Equal(t, ComponentSite, again.VariableComponents[0], "plans are handed out as copies")

	_, ok = ec.Plan(1)
	assert.False(t, ok)
	_, ok = ec.Plan(-1)
	assert.False(t, ok)
}

func TestExecutionContext_UpdatePlan(t *testing.T) {
	ec := NewExecutionContext("A01")
	require.NoError(t, ec.AddPlan(StepPlan{Index: 0, Name: "s"}))

	require.NoError(t, ec.UpdatePlan(0, func(p *StepPlan) {
		p.Index = 7
		p.Well = "B02"
		p.Device = 3
		p.Chunked = &ChunkedStore{Root: "out", ChunkSize: 64}
	}))

	plan, _ := ec.Plan(0)
	assert.Equal(t, 0, plan.Index)
	assert.Equal(t, "A01", plan.Well)
	assert.Equal(t, 3, plan.Device)

	plan.Chunked.ChunkSize = 1
	again, _ := ec.Plan(0)
	assert.Equal(t, 64, again.Chunked.ChunkSize)

	assert.Error(t, ec.UpdatePlan(1, func(*StepPlan) {}))
}

func TestExecutionContext_PhaseOrder(t *testing.T) {
	ec := NewExecutionContext("A01")
	assert.Equal(t, PhaseNone, ec.Phase())

	assert.ErrorIs(t, ec.AdvancePhase(PhaseDeclareStores), ErrPhaseOrder)
	require.NoError(t, ec.AdvancePhase(PhaseInitialize))
	require.NoError(t, ec.RequirePhase(PhaseInitialize))
	assert.ErrorIs(t, ec.RequirePhase(PhasePlanBackends), ErrPhaseOrder)
	assert.ErrorIs(t, ec.AdvancePhase(PhaseInitialize), ErrPhaseOrder)

	for _, p := range []Phase{PhaseDeclareStores, PhasePlanBackends, PhaseValidateContracts, PhaseAssignResources} {
		require.NoError(t, ec.AdvancePhase(p))
	}
	assert.Equal(t, "assign_resources", ec.Phase().String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestExecutionContext_Freeze(t *testing.T) {
	ec := NewExecutionContext("A01")
	require.NoError(t, ec.AddPlan(StepPlan{Index: 0, Name: "s"}))
	ec.Freeze()
	ec.Freeze()
	assert.True(t, ec.IsFrozen())

	var fe *FrozenError
	err := ec.AddPlan(StepPlan{Index: 1})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "plans", fe.Field)

	assert.ErrorIs(t, ec.UpdatePlan(0, func(p *StepPlan) { p.Device = 1 }), ErrContextFrozen)
	assert.ErrorIs(t, ec.SetMetadata(NewMetadata()), ErrContextFrozen)
	assert.ErrorIs(t, ec.AdvancePhase(PhaseInitialize), ErrContextFrozen)

	plan, _ := ec.Plan(0)
	assert.Equal(t, 0, plan.Device, "frozen plan is unchanged")
}

func TestExecutionContext_ConcurrentReads(t *testing.T) {
	ec := NewExecutionContext("A01")
	for i := range 4 {
		require.NoError(t, ec.AddPlan(StepPlan{
			Index:          i,
			Name:           "s",
			SpecialOutputs: map[string]SpecialLink{"k": {Key: "k"}},
		}))
	}
	ec.Freeze()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range ec.Plans() {
				p.SpecialOutputs["k"] = SpecialLink{Key: "changed"}
			}
		}()
	}
	wg.Wait()

	for _, p := range ec.Plans() {
		assert.Equal(t, "k", p.SpecialOutputs["k"].Key)
	}
}

func TestTypes(t *testing.T) {
	assert.True(t, BackendDisk.IsDurable())
	assert.True(t, BackendChunked.IsDurable())
	assert.False(t, BackendMemory.IsDurable())

	assert.True(t, MemoryCUDA.IsAccelerator())
	assert.False(t, MemoryHost.IsAccelerator())
	assert.False(t, MemoryType("tpu").Valid())

	c, ok := ParseComponent("z_index")
	assert.True(t, ok)
	assert.Equal(t, ComponentZIndex, c)
	_, ok = ParseComponent("plate")
	assert.False(t, ok)

	plan := StepPlan{InputMemory: MemoryHost, OutputMemory: MemoryOpenCL}
	assert.True(t, plan.NeedsDevice())

	draft := NewStep("s", nil)
	assert.Equal(t, []Component{ComponentSite}, draft.StackComponents())
}
