package domain

import (
	"fmt"
	"sync/atomic"
)

// ExecutionContext is the per-well container of step plans. It is mutated
// only by the compiler, one phase at a time, and then frozen. Once frozen
// every mutator fails with a *FrozenError, so a frozen context can be
// handed to any number of goroutines without synchronization.
//
// The worker's storage handle is deliberately not part of the context:
// it is owned by the worker and passed alongside the frozen context.
type ExecutionContext struct {
	well     string
	plans    []StepPlan
	metadata Metadata
	phase    Phase
	frozen   atomic.Bool
}

// NewExecutionContext creates an empty, unfrozen context for a well.
func NewExecutionContext(well string) *ExecutionContext {
	return &ExecutionContext{
		well:     well,
		metadata: NewMetadata(),
	}
}

// Well returns the unit identifier.
func (c *ExecutionContext) Well() string { return c.well }

// Len returns the number of step plans.
func (c *ExecutionContext) Len() int { return len(c.plans) }

// Plan returns a copy of the plan at index i.
func (c *ExecutionContext) Plan(i int) (StepPlan, bool) {
	if i < 0 || i >= len(c.plans) {
		return StepPlan{}, false
	}
	return c.plans[i].clone(), true
}

// Plans returns copies of all plans in step order.
func (c *ExecutionContext) Plans() []StepPlan {
	out := make([]StepPlan, len(c.plans))
	for i, p := range c.plans {
		out[i] = p.clone()
	}
	return out
}

// Metadata returns the plan-time metadata resolved for the well.
func (c *ExecutionContext) Metadata() Metadata { return c.metadata }

// Phase returns the last completed compiler phase.
func (c *ExecutionContext) Phase() Phase { return c.phase }

// IsFrozen reports whether the context has been frozen.
func (c *ExecutionContext) IsFrozen() bool { return c.frozen.Load() }

// Freeze makes the context read-only. It is one-way and idempotent.
func (c *ExecutionContext) Freeze() { c.frozen.Store(true) }

// SetMetadata records the metadata resolved for the well.
func (c *ExecutionContext) SetMetadata(md Metadata) error {
	if err := c.checkWritable("metadata"); err != nil {
		return err
	}
	c.metadata = md
	return nil
}

// AddPlan appends the next step plan. Plans must be added in index order.
func (c *ExecutionContext) AddPlan(plan StepPlan) error {
	if err := c.checkWritable("plans"); err != nil {
		return err
	}
	if plan.Index != len(c.plans) {
		return fmt.Errorf("add plan %q: index %d, expected %d", plan.Name, plan.Index, len(c.plans))
	}
	plan.Well = c.well
	c.plans = append(c.plans, plan.clone())
	return nil
}

// UpdatePlan applies fn to a copy of plan i and stores the result. The
// plan's index and well cannot be changed.
func (c *ExecutionContext) UpdatePlan(i int, fn func(*StepPlan)) error {
	if err := c.checkWritable(fmt.Sprintf("plans[%d]", i)); err != nil {
		return err
	}
	if i < 0 || i >= len(c.plans) {
		return fmt.Errorf("update plan: index %d out of range [0,%d)", i, len(c.plans))
	}
	updated := c.plans[i].clone()
	fn(&updated)
	updated.Index = i
	updated.Well = c.well
	c.plans[i] = updated.clone()
	return nil
}

// AdvancePhase records that phase p completed. Phases must complete in
// order; anything else fails with ErrPhaseOrder.
func (c *ExecutionContext) AdvancePhase(p Phase) error {
	if err := c.checkWritable("phase"); err != nil {
		return err
	}
	if p != c.phase+1 {
		return fmt.Errorf("%w: cannot complete %s after %s", ErrPhaseOrder, p, c.phase)
	}
	c.phase = p
	return nil
}

// RequirePhase fails with ErrPhaseOrder unless the last completed phase
// is p.
func (c *ExecutionContext) RequirePhase(p Phase) error {
	if c.phase != p {
		return fmt.Errorf("%w: requires %s completed, have %s", ErrPhaseOrder, p, c.phase)
	}
	return nil
}

func (c *ExecutionContext) checkWritable(field string) error {
	if c.frozen.Load() {
		return &FrozenError{Well: c.well, Field: field}
	}
	return nil
}
