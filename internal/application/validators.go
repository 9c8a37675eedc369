package application

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"

	"github.com/ahrav/go-wellflow/internal/domain"
)

var stepNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)

// BackendChecker reports whether a backend name can be planned with.
// storage.Registry.Has satisfies it.
type BackendChecker func(domain.Backend) bool

// builtinBackends accepts the backends registered by storage.RegisterDefaults.
func builtinBackends(b domain.Backend) bool {
	return b == domain.BackendMemory || b == domain.BackendDisk || b == domain.BackendChunked
}

// foldComponent normalizes a component name from a pipeline file.
func foldComponent(name string) domain.Component {
	return domain.Component(cases.Fold().String(strings.TrimSpace(name)))
}

// RegisterPipelineValidators registers the semver, component, backend and
// stepname tags used by PipelineConfig. A nil checker accepts the
// builtin backends only.
func RegisterPipelineValidators(v *validator.Validate, backends BackendChecker) error {
	if backends == nil {
		backends = builtinBackends
	}

	if err := v.RegisterValidation("semver", validateSemver); err != nil {
		return fmt.Errorf("failed to register semver validator: %w", err)
	}
	if err := v.RegisterValidation("component", validateComponent); err != nil {
		return fmt.Errorf("failed to register component validator: %w", err)
	}
	if err := v.RegisterValidation("backend", func(fl validator.FieldLevel) bool {
		return backends(domain.Backend(fl.Field().String()))
	}); err != nil {
		return fmt.Errorf("failed to register backend validator: %w", err)
	}
	if err := v.RegisterValidation("stepname", validateStepName); err != nil {
		return fmt.Errorf("failed to register stepname validator: %w", err)
	}
	return nil
}

// validateSemver validates that a string follows semantic versioning
// format (X.Y.Z where X, Y, Z are non-negative integers).
func validateSemver(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	var major, minor, patch int
	n, err := fmt.Sscanf(value, "%d.%d.%d", &major, &minor, &patch)
	return err == nil && n == 3 && major >= 0 && minor >= 0 && patch >= 0 &&
		value == fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// validateComponent accepts any known filename component, ignoring case.
func validateComponent(fl validator.FieldLevel) bool {
	_, ok := domain.ParseComponent(string(foldComponent(fl.Field().String())))
	return ok
}

func validateStepName(fl validator.FieldLevel) bool {
	return stepNamePattern.MatchString(fl.Field().String())
}

// validateSemantics checks rules struct tags cannot express: unique step
// names, durable input and output backends and grouping that does not
// overlap the stacked components.
func validateSemantics(cfg *PipelineConfig) error {
	var errs []error

	if !domain.Backend(cfg.Engine.InputBackend).IsDurable() {
		errs = append(errs, fmt.Errorf("engine: input backend %q is not durable", cfg.Engine.InputBackend))
	}
	if !domain.Backend(cfg.Engine.OutputBackend).IsDurable() {
		errs = append(errs, fmt.Errorf("engine: output backend %q is not durable", cfg.Engine.OutputBackend))
	}

	seen := make(map[string]int, len(cfg.Steps))
	for i, step := range cfg.Steps {
		key := foldName(step.Name)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("step %d: duplicate name %q (also step %d)", i, step.Name, prev))
		} else {
			seen[key] = i
		}

		if step.GroupBy == "" {
			continue
		}
		group := foldComponent(step.GroupBy)
		if group == domain.ComponentWell {
			errs = append(errs, fmt.Errorf("step %s: cannot group by well", step.Name))
		}
		vars := make([]domain.Component, len(step.VariableComponents))
		for j, c := range step.VariableComponents {
			vars[j] = foldComponent(c)
		}
		if len(vars) == 0 {
			vars = []domain.Component{domain.ComponentSite}
		}
		if slices.Contains(vars, group) {
			errs = append(errs, fmt.Errorf("step %s: group_by %q is also a variable component", step.Name, group))
		}
	}

	return errors.Join(errs...)
}
