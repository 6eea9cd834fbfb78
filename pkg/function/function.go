// Package function holds the shared description of a deployable function:
// its identity, runtime kind, code entrypoint and declared resources.
package function

import "fmt"

// Kind tells which instance launcher runs the function code.
type Kind string

const (
	// KindCompiled functions ship a Go plugin archive loaded in the instance process.
	KindCompiled Kind = "compiled"
	// KindInterpreted functions ship a script executed by the bundled node wrapper.
	KindInterpreted Kind = "interpreted"
)

// Identity names one deployable unit. All four parts take part in equality;
// two versions of the same function are distinct units.
type Identity struct {
	Tenant    string `json:"tenant"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// FullyQualifiedName returns tenant/namespace/name.
func (id Identity) FullyQualifiedName() string {
	return fmt.Sprintf("%s/%s/%s", id.Tenant, id.Namespace, id.Name)
}

// Key returns the dependency-cache key, qualified down to the version.
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%s", id.FullyQualifiedName(), id.Version)
}

// Resources are the declared per-instance limits. Zero means undeclared.
type Resources struct {
	CPUCores  float64 `json:"cpu,omitempty"`
	RAMBytes  int64   `json:"ram,omitempty"`
	DiskBytes int64   `json:"disk,omitempty"`
}

// Details is the full function description the scheduler-assignment layer hands
// down. It is serialized verbatim into the launch command line, so every field
// must marshal deterministically.
type Details struct {
	Identity
	Runtime     Kind   `json:"runtime"`
	Entrypoint  string `json:"entrypoint"`
	InputSerde  string `json:"inputSerde,omitempty"`
	OutputSerde string `json:"outputSerde,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
	// TimeoutMs bounds a single invocation; 0 means unbounded.
	TimeoutMs  int64             `json:"timeoutMs,omitempty"`
	Resources  *Resources        `json:"resources,omitempty"`
	UserConfig map[string]string `json:"userConfig,omitempty"`
	// SecretsMap is a provider-specific JSON descriptor mapping environment
	// names to secret locations, interpreted by the backend's secrets
	// configurator.
	SecretsMap string `json:"secretsMap,omitempty"`
	// Labels are attached to orchestrated workloads in addition to the
	// platform's own labels.
	Labels map[string]string `json:"labels,omitempty"`
}
