package activation

import (
	"fmt"
	"strings"

	"github.com/sarchlab/autoinstr/conflict"
	"github.com/sarchlab/autoinstr/registry"
)

// State is the outcome of activating a plugin.
type State int

// Activation states. Every state except Pending is terminal for the lifetime
// of the process.
const (
	Pending State = iota
	Active
	SkippedMissing
	SkippedVersionMismatch
	SkippedDisabled
	Failed
	Deactivated
)

var stateNames = [...]string{
	Pending:                "Pending",
	Active:                 "Active",
	SkippedMissing:         "SkippedMissing",
	SkippedVersionMismatch: "SkippedVersionMismatch",
	SkippedDisabled:        "SkippedDisabled",
	Failed:                 "Failed",
	Deactivated:            "Deactivated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// Skipped tells if the plugin was deliberately not activated.
func (s State) Skipped() bool {
	return s == SkippedMissing || s == SkippedVersionMismatch ||
		s == SkippedDisabled
}

// Record is the activation record of one plugin.
type Record struct {
	Name   string
	Group  registry.Group
	State  State
	Detail string

	// Err is the cause of a Failed record.
	Err error

	// Seq orders the records by the time their outcome was decided.
	Seq int
}

func (r Record) String() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Name, r.State)
	}

	return fmt.Sprintf("%s: %s [%s]", r.Name, r.State, r.Detail)
}

// Phase is the stage of the activation pipeline.
type Phase int

// Pipeline phases. The pipeline only moves forward.
const (
	PhaseInit Phase = iota
	PhaseDistroConfigured
	PhaseSDKConfigured
	PhaseProbesLoaded
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseDistroConfigured:
		return "DistroConfigured"
	case PhaseSDKConfigured:
		return "SDKConfigured"
	case PhaseProbesLoaded:
		return "ProbesLoaded"
	case PhaseDone:
		return "Done"
	}

	return fmt.Sprintf("Phase(%d)", int(p))
}

// Report summarizes an activation pass.
type Report struct {
	Phase        Phase
	Distro       string
	Configurator string

	// Records are in registry order.
	Records []Record

	Conflicts conflict.Report
}

// Record finds the record of a plugin.
func (r *Report) Record(name string) (Record, bool) {
	for _, rec := range r.Records {
		if rec.Name == name {
			return rec, true
		}
	}

	return Record{}, false
}

// Count returns the number of records in the state.
func (r *Report) Count(s State) int {
	n := 0

	for _, rec := range r.Records {
		if rec.State == s {
			n++
		}
	}

	return n
}

// Probes returns the records of the probes.
func (r *Report) Probes() []Record {
	probes := []Record{}

	for _, rec := range r.Records {
		if rec.Group == registry.GroupProbe {
			probes = append(probes, rec)
		}
	}

	return probes
}

func (r *Report) String() string {
	lines := make([]string, len(r.Records))
	for i, rec := range r.Records {
		lines[i] = rec.String()
	}

	return strings.Join(lines, "\n")
}
