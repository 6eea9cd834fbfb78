// Package runtime defines the backend abstraction of the execution tier: a
// Runtime is one running function instance, a Factory turns instance configs
// into Runtimes on a particular backend. The backend set is closed, the three
// implementations live in the thread, process and kubernetes subpackages.
package runtime

import (
	"time"

	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
)

// BackendKind names one of the three runtime backends.
type BackendKind string

const (
	BackendThread     BackendKind = "thread"
	BackendProcess    BackendKind = "process"
	BackendKubernetes BackendKind = "kubernetes"
)

// InstanceStats is the point-in-time view of one running instance.
type InstanceStats struct {
	Running          bool      `json:"running"`
	StartedAt        time.Time `json:"startedAt"`
	Invocations      int64     `json:"invocations"`
	UserErrors       int64     `json:"userErrors"`
	Timeouts         int64     `json:"timeouts"`
	LastHealthyCheck time.Time `json:"lastHealthyCheck"`
}

// Runtime is the handle to one realized instance. Start may block on backend
// I/O; Stop must be idempotent.
type Runtime interface {
	Start() error
	Stop() error
	// Restart tears the instance down and brings it back with the same config.
	Restart() error
	// HealthCheck reports nil while the instance is live.
	HealthCheck() error
	Stats() (*InstanceStats, error)
	// ExecutionID is the cache holder token minted at creation.
	ExecutionID() string
}

// Factory realizes instances on one backend.
type Factory interface {
	// CreateInstance admits the config, registers its dependencies and
	// realizes a runtime. The returned runtime is not started.
	CreateInstance(cfg *instance.Config) (Runtime, error)
	// ReleaseInstance stops the runtime for cfg and drops its dependency
	// cache holder. Releasing an unknown or already-released instance is a
	// no-op.
	ReleaseInstance(cfg *instance.Config) error
	// ExternallyManaged reports whether instance liveness is owned by an
	// external control plane rather than this process.
	ExternallyManaged() bool
	// AdmissionCheck rejects function specs this backend can never realize.
	// It creates no workloads.
	AdmissionCheck(details *function.Details) error
	// Close releases factory-wide resources. Running instances are stopped.
	Close() error
}
