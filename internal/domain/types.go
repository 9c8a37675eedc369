// Package domain contains the pure, dependency-free model of the pipeline
// compiler: function patterns, step drafts, per-well step plans and the
// freezable execution context.
package domain

import "slices"

// Backend names a storage medium a step reads from or writes to.
// The compiler only ever handles backend names; the storage layer maps
// them to concrete implementations.
type Backend string

// Built-in storage backends.
const (
	// BackendMemory is the ephemeral, in-process store used between
	// interior steps.
	BackendMemory Backend = "memory"

	// BackendDisk is the durable file store used for pipeline input and
	// final output.
	BackendDisk Backend = "disk"

	// BackendChunked is the durable chunked array store. Steps writing to
	// it carry a ChunkedStore declaration in their plan.
	BackendChunked Backend = "chunked"
)

// String implements fmt.Stringer.
func (b Backend) String() string { return string(b) }

// IsDurable reports whether data written to the backend outlives a worker
// handle reset.
func (b Backend) IsDurable() bool { return b == BackendDisk || b == BackendChunked }

// MemoryType is the compute domain a leaf function consumes or produces.
type MemoryType string

// Supported memory types.
const (
	// MemoryHost is a plain host (CPU) array.
	MemoryHost MemoryType = "host"

	// MemoryCUDA is an array resident on a CUDA accelerator.
	MemoryCUDA MemoryType = "cuda"

	// MemoryOpenCL is an array resident on an OpenCL device.
	MemoryOpenCL MemoryType = "opencl"
)

// IsAccelerator reports whether the memory type lives on a scarce device
// that must be assigned at compile time.
func (m MemoryType) IsAccelerator() bool { return m == MemoryCUDA || m == MemoryOpenCL }

// Valid reports whether m is one of the known memory types.
func (m MemoryType) Valid() bool {
	switch m {
	case MemoryHost, MemoryCUDA, MemoryOpenCL:
		return true
	}
	return false
}

// Component is one dimension encoded in an input file name.
type Component string

// Components understood by the planner and the filename parsers.
const (
	ComponentWell    Component = "well"
	ComponentSite    Component = "site"
	ComponentChannel Component = "channel"
	ComponentZIndex  Component = "z_index"
)

// Components lists every known component in canonical order.
func Components() []Component {
	return []Component{ComponentWell, ComponentSite, ComponentChannel, ComponentZIndex}
}

// ParseComponent returns the component with the given name.
func ParseComponent(name string) (Component, bool) {
	c := Component(name)
	if slices.Contains(Components(), c) {
		return c, true
	}
	return "", false
}

// Phase identifies one of the ordered compiler passes.
type Phase int

// Compiler phases in execution order. PhaseNone is the state of a fresh
// context.
const (
	PhaseNone Phase = iota
	PhaseInitialize
	PhaseDeclareStores
	PhasePlanBackends
	PhaseValidateContracts
	PhaseAssignResources
)

var phaseNames = [...]string{
	PhaseNone:              "none",
	PhaseInitialize:        "initialize",
	PhaseDeclareStores:     "declare_stores",
	PhasePlanBackends:      "plan_backends",
	PhaseValidateContracts: "validate_contracts",
	PhaseAssignResources:   "assign_resources",
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Status is the lifecycle state of one well during execution.
type Status string

// Well execution states. Succeeded and Failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }
