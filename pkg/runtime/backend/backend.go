// Package backend is the single dispatch point from a configured backend
// kind to its runtime factory. The set is closed, adding a backend means
// touching the switch below.
package backend

import (
	"fmt"

	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"github.com/streamfn/orchestrator/pkg/runtime"
	"github.com/streamfn/orchestrator/pkg/runtime/kubernetes"
	"github.com/streamfn/orchestrator/pkg/runtime/process"
	"github.com/streamfn/orchestrator/pkg/runtime/thread"
)

// New builds the factory for kind.
func New(kind runtime.BackendKind) (runtime.Factory, error) {
	switch kind {
	case runtime.BackendThread:
		return thread.NewFactory(), nil
	case runtime.BackendProcess:
		return process.NewFactory(), nil
	case runtime.BackendKubernetes:
		return kubernetes.NewFactory(), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", kind)
	}
}

// FromConfig builds the factory named by the backend viper key, defaulting to
// the process backend.
func FromConfig() (runtime.Factory, error) {
	kind := runtime.BackendKind(viper.GetString(env.Backend))
	if kind == "" {
		kind = runtime.BackendProcess
	}
	return New(kind)
}
