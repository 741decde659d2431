package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmehra/marketpipe/internal/config"
)

// ErrUnknownService indicates a control operation named an undeclared service.
var ErrUnknownService = errors.New("unknown service")

// Criticality decides whether a startup failure aborts the whole sequence.
type Criticality string

const (
	Critical Criticality = "critical" // Startup failure aborts the sequence
	Optional Criticality = "optional" // Startup failure is logged and skipped
)

// ParseCriticality converts a config string into a Criticality.
func ParseCriticality(s string) (Criticality, error) {
	switch Criticality(s) {
	case Critical, Optional:
		return Criticality(s), nil
	default:
		return "", fmt.Errorf("invalid criticality %q", s)
	}
}

// ServiceState is one node of the per-service lifecycle machine:
//
//	PENDING → STARTING → RUNNING → {STOPPED | CRASHED}
//	CRASHED → RESTARTING → RUNNING | FAILED
//
// FAILED is terminal once the restart budget is exhausted; STOPPED means an
// explicit stop and is never auto-restarted.
type ServiceState string

const (
	StatePending    ServiceState = "pending"
	StateStarting   ServiceState = "starting"
	StateRunning    ServiceState = "running"
	StateStopped    ServiceState = "stopped"
	StateCrashed    ServiceState = "crashed"
	StateRestarting ServiceState = "restarting"
	StateFailed     ServiceState = "failed"
)

// ServiceDescriptor is the immutable orchestration unit for one supervised
// process. All mutable state lives in the supervisor.
type ServiceDescriptor struct {
	Name           string
	Command        string
	Args           []string
	Priority       int // Lower starts first; shutdown runs in reverse
	Criticality    Criticality
	MaxRestarts    int
	RestartBackoff time.Duration
}

// DescriptorFromConfig builds a descriptor from its config record.
func DescriptorFromConfig(sc config.ServiceConfig) (ServiceDescriptor, error) {
	crit, err := ParseCriticality(sc.Criticality)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("service %s: %w", sc.Name, err)
	}
	return ServiceDescriptor{
		Name:           sc.Name,
		Command:        sc.Command,
		Args:           sc.Args,
		Priority:       sc.Priority,
		Criticality:    crit,
		MaxRestarts:    sc.MaxRestarts,
		RestartBackoff: sc.RestartBackoff,
	}, nil
}

// ServiceStatus is an immutable snapshot of one service, safe to hand to
// status consumers.
type ServiceStatus struct {
	Name         string       `json:"name"`
	State        ServiceState `json:"state"`
	Priority     int          `json:"priority"`
	Criticality  Criticality  `json:"criticality"`
	RunID        string       `json:"run_id,omitempty"` // Current process instance
	PID          int          `json:"pid,omitempty"`
	RestartCount int          `json:"restart_count"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	LastError    string       `json:"last_error,omitempty"`
}
