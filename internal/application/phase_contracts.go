package application

import (
	"context"
	"fmt"

	"github.com/ahrav/go-wellflow/internal/domain"
)

// validateContractsPhase validates each step's pattern, checks the memory
// type declarations of its leaves and stores the pattern into the plan.
// It is the only phase that writes StepPlan.Func.
func validateContractsPhase(_ context.Context, _ *Compiler, b *build) error {
	for _, plan := range b.ec.Plans() {
		fail := func(reason string, err error) error {
			return domain.NewCompileError(b.well, domain.PhaseValidateContracts, plan.Index, plan.Name, reason, err)
		}

		pattern := b.patterns[plan.Index]
		if err := domain.Validate(pattern); err != nil {
			return fail("validate pattern", err)
		}
		if containsKeyed(pattern) && plan.GroupBy == "" {
			return fail("keyed pattern on a step without group_by", domain.ErrKeyedWithoutGroupBy)
		}

		in, out, err := stepMemoryTypes(pattern)
		if err != nil {
			return fail("check memory types", err)
		}

		err = b.ec.UpdatePlan(plan.Index, func(p *domain.StepPlan) {
			p.Func = pattern
			p.InputMemory = in
			p.OutputMemory = out
		})
		if err != nil {
			return fail("store pattern", err)
		}
	}
	return nil
}

func containsKeyed(p domain.Pattern) bool {
	switch n := p.(type) {
	case domain.Keyed:
		return true
	case domain.Sequence:
		for _, item := range n.Items() {
			if containsKeyed(item) {
				return true
			}
		}
	}
	return false
}

// stepMemoryTypes returns the memory types shared by every leaf of p.
func stepMemoryTypes(p domain.Pattern) (domain.MemoryType, domain.MemoryType, error) {
	var in, out domain.MemoryType
	var first string
	for _, leaf := range domain.Leaves(p) {
		c := leaf.Fn.Contract
		where := fmt.Sprintf("function %q at %s", leaf.Fn.Name, leaf.Path)
		if !c.InputMemory.Valid() {
			return "", "", fmt.Errorf("%w: %s input memory %q", domain.ErrMissingMemoryType, where, c.InputMemory)
		}
		if !c.OutputMemory.Valid() {
			return "", "", fmt.Errorf("%w: %s output memory %q", domain.ErrMissingMemoryType, where, c.OutputMemory)
		}
		if first == "" {
			in, out, first = c.InputMemory, c.OutputMemory, where
			continue
		}
		if c.InputMemory != in || c.OutputMemory != out {
			return "", "", fmt.Errorf("%w: %s is %s->%s, %s is %s->%s", domain.ErrInconsistentMemoryType,
				first, in, out, where, c.InputMemory, c.OutputMemory)
		}
	}
	return in, out, nil
}
