package application

import (
	"context"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// isDurableStep reports whether a step's output must outlive the well.
func isDurableStep(plan domain.StepPlan, steps int) bool {
	return plan.Index == steps-1 || plan.Materialize
}

// declareStoresPhase records chunked store declarations for steps whose
// durable output goes to the chunked backend. The stores themselves are
// created at execution time.
func declareStoresPhase(_ context.Context, c *Compiler, b *build) error {
	if c.cfg.OutputBackend != domain.BackendChunked {
		return nil
	}
	for _, plan := range b.ec.Plans() {
		if !isDurableStep(plan, b.ec.Len()) {
			continue
		}
		store := &domain.ChunkedStore{
			Root:             plan.OutputDir,
			ChunkSize:        c.cfg.ChunkSize,
			CompressionLevel: c.cfg.CompressionLevel,
		}
		if err := b.ec.UpdatePlan(plan.Index, func(p *domain.StepPlan) { p.Chunked = store }); err != nil {
			return domain.NewCompileError(b.well, domain.PhaseDeclareStores, plan.Index, plan.Name, "declare store", err)
		}
	}
	return nil
}

// planBackendsPhase picks the read and write backend of every step and
// points special links at their producer's write backend.
func planBackendsPhase(_ context.Context, c *Compiler, b *build) error {
	n := b.ec.Len()
	writes := make([]domain.Backend, n)

	for i := range n {
		plan, _ := b.ec.Plan(i)

		read := c.cfg.InputBackend
		if i > 0 && !plan.ChainBreaker {
			read = writes[i-1]
		}

		var write domain.Backend
		switch {
		case plan.Chunked != nil:
			write = domain.BackendChunked
		case isDurableStep(plan, n):
			write = c.cfg.OutputBackend
		default:
			write = c.cfg.IntermediateBackend
		}
		writes[i] = write

		err := b.ec.UpdatePlan(i, func(p *domain.StepPlan) {
			p.ReadBackend = read
			p.WriteBackend = write
			for key, link := range p.SpecialOutputs {
				link.Backend = write
				p.SpecialOutputs[key] = link
			}
			for key, link := range p.SpecialInputs {
				link.Backend = writes[link.ProducerIndex]
				p.SpecialInputs[key] = link
			}
		})
		if err != nil {
			return domain.NewCompileError(b.well, domain.PhasePlanBackends, i, plan.Name, "plan backends", err)
		}
	}
	return nil
}
