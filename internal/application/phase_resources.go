package application

import (
	"context"
	"fmt"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// assignResourcesPhase gives accelerator steps a device. Every step of a
// well shares the device the assigner picks for the well.
func assignResourcesPhase(ctx context.Context, c *Compiler, b *build) error {
	for _, plan := range b.ec.Plans() {
		if !plan.NeedsDevice() {
			continue
		}
		fail := func(reason string, err error) error {
			return domain.NewCompileError(b.well, domain.PhaseAssignResources, plan.Index, plan.Name, reason, err)
		}
		if c.devices == nil {
			return fail(fmt.Sprintf("step needs a %s device but no device pool is configured", plan.InputMemory), domain.ErrNoDevices)
		}
		device, err := c.devices.Assign(b.well)
		if err != nil {
			return fail("assign device", err)
		}
		if err := b.ec.UpdatePlan(plan.Index, func(p *domain.StepPlan) { p.Device = device }); err != nil {
			return fail("record device", err)
		}
		c.loggerFrom(ctx).Debug("assigned device", "step", plan.Name, "device", device)
	}
	return nil
}
