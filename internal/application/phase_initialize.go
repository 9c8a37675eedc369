package application

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/ahrav/go-wellflow/internal/domain"
)

const specialDir = "special"

// initializePhase plans directories, links special I/O between steps and
// injects plan-time metadata into function patterns.
func initializePhase(ctx context.Context, c *Compiler, b *build) error {
	md, err := c.resolveMetadata(ctx, b)
	if err != nil {
		return err
	}
	if err := b.ec.SetMetadata(md); err != nil {
		return domain.NewCompileError(b.well, domain.PhaseInitialize, -1, "", "set metadata", err)
	}

	last := len(b.steps) - 1
	producers := make(map[string]domain.SpecialLink)
	prevOutput := ""

	for i := range b.steps {
		step := &b.steps[i]
		fail := func(reason string, err error) error {
			return domain.NewCompileError(b.well, domain.PhaseInitialize, i, step.Name, reason, err)
		}

		if err := checkDraft(step); err != nil {
			return fail("invalid step", err)
		}

		inputDir := prevOutput
		if i == 0 || step.ChainBreaker {
			inputDir = c.cfg.InputDir
		}
		outputDir := step.OutputDir
		switch {
		case outputDir != "":
		case i == last:
			outputDir = c.cfg.OutputDir
		default:
			outputDir = path.Join(c.cfg.WorkDir, fmt.Sprintf("%d_%s", i, dirName(step.Name)))
		}

		// Inputs resolve against earlier steps only, so they are linked
		// before this step's own outputs are registered.
		inputs := make(map[string]domain.SpecialLink)
		for _, key := range domain.SpecialInputs(step.Func) {
			link, ok := producers[key]
			if !ok {
				return fail(fmt.Sprintf("special input %q has no earlier producer", key), domain.ErrUnresolvedSpecialInput)
			}
			inputs[key] = link
		}

		declared, err := domain.SpecialOutputs(step.Func)
		if err != nil {
			return fail("collect special outputs", err)
		}
		outputs := make(map[string]domain.SpecialLink, len(declared))
		for _, key := range slices.Sorted(maps.Keys(declared)) {
			if prev, ok := producers[key]; ok {
				return fail(fmt.Sprintf("special output %q produced by step %d(%s) and step %d(%s)",
					key, prev.ProducerIndex, prev.ProducerStep, i, step.Name), domain.ErrDuplicateSpecialOutput)
			}
			link := domain.SpecialLink{
				Key:           key,
				Path:          path.Join(outputDir, specialDir, b.well, key),
				ProducerIndex: i,
				ProducerStep:  step.Name,
			}
			outputs[key] = link
			producers[key] = link
		}

		rewritten, err := domain.Rewrite(step.Func, md)
		if err != nil {
			return fail("inject metadata", err)
		}
		if err := checkSpecialParams(rewritten); err != nil {
			return fail("bind special inputs", err)
		}
		b.patterns[i] = rewritten

		plan := domain.StepPlan{
			Index:              i,
			Name:               step.Name,
			InputDir:           inputDir,
			OutputDir:          outputDir,
			ChainBreaker:       step.ChainBreaker,
			Materialize:        step.Materialize,
			GroupBy:            step.GroupBy,
			VariableComponents: step.StackComponents(),
			SpecialInputs:      inputs,
			SpecialOutputs:     outputs,
			Device:             domain.NoDevice,
			InjectedMetadata:   domain.RequiredMetadata(step.Func),
		}
		if err := b.ec.AddPlan(plan); err != nil {
			return fail("add plan", err)
		}
		prevOutput = outputDir
	}
	return nil
}

// resolveMetadata asks the provider for the well's metadata once, and only
// when some step needs it.
func (c *Compiler) resolveMetadata(ctx context.Context, b *build) (domain.Metadata, error) {
	needed := false
	for i := range b.steps {
		if b.steps[i].Func != nil && len(domain.RequiredMetadata(b.steps[i].Func)) > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return domain.NewMetadata(), nil
	}
	if c.metadata == nil {
		return domain.Metadata{}, domain.NewCompileError(b.well, domain.PhaseInitialize, -1, "",
			"steps require metadata but no metadata provider is configured", domain.ErrMissingMetadata)
	}
	md, err := c.metadata.Metadata(ctx, b.well)
	if err != nil {
		return domain.Metadata{}, domain.NewCompileError(b.well, domain.PhaseInitialize, -1, "", "resolve metadata", err)
	}
	return md, nil
}

// checkSpecialParams rejects leaves whose bound or injected parameters
// share a name with a declared special input.
func checkSpecialParams(p domain.Pattern) error {
	for _, leaf := range domain.Leaves(p) {
		for _, key := range leaf.Fn.Contract.SpecialInputs {
			if _, ok := leaf.Params[key]; ok {
				return fmt.Errorf("%w: function %q at %s binds %q", domain.ErrSpecialInputConflict, leaf.Fn.Name, leaf.Path, key)
			}
		}
	}
	return nil
}

func checkDraft(step *domain.StepDraft) error {
	if strings.TrimSpace(step.Name) == "" {
		return fmt.Errorf("%w: name is empty", domain.ErrInvalidStep)
	}
	if step.Func == nil {
		return fmt.Errorf("%w: no function pattern", domain.ErrMalformedPattern)
	}
	if step.GroupBy != "" {
		if _, ok := domain.ParseComponent(string(step.GroupBy)); !ok {
			return fmt.Errorf("%w: unknown group_by component %q", domain.ErrInvalidStep, step.GroupBy)
		}
		if slices.Contains(step.StackComponents(), step.GroupBy) {
			return fmt.Errorf("%w: group_by %q is also a variable component", domain.ErrInvalidStep, step.GroupBy)
		}
	}
	for _, comp := range step.VariableComponents {
		if _, ok := domain.ParseComponent(string(comp)); !ok || comp == domain.ComponentWell {
			return fmt.Errorf("%w: invalid variable component %q", domain.ErrInvalidStep, comp)
		}
	}
	return nil
}

// dirName makes a step name safe to use as a path segment.
func dirName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}
