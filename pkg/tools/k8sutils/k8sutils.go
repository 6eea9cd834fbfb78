// Package k8sutils builds the Kubernetes clients the orchestrated backend
// talks through. Construction is separated from the factory so tests can
// swap in a fake clientset.
package k8sutils

import (
	"io/ioutil"
	"strings"

	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// BuildClientset builds the typed clientset for the orchestrated backend.
// Inside a pod the mounted service account wins; an explicit endpoint
// overrides; otherwise the standard kubeconfig loading rules apply.
// Package-level var so tests inject k8s.io/client-go/kubernetes/fake.
var BuildClientset = func(insidePod bool, endpoint string) (kubernetes.Interface, error) {
	cfg, err := buildConfig(insidePod, endpoint)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}

func buildConfig(insidePod bool, endpoint string) (*rest.Config, error) {
	if insidePod {
		zap.S().Infow("building in-cluster kubernetes config")
		return rest.InClusterConfig()
	}
	if endpoint != "" {
		zap.S().Infow("building kubernetes config for explicit endpoint", "endpoint", endpoint)
		return clientcmd.BuildConfigFromFlags(endpoint, "")
	}
	zap.S().Infow("building kubernetes config from default loading rules")
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

// GetSelfNamespace resolves the namespace this orchestrator runs in: the
// configured job namespace, else the service account mount, else default.
var GetSelfNamespace = func() string {
	if ns := viper.GetString(env.JobNamespace); ns != "" {
		return ns
	}
	if raw, err := ioutil.ReadFile(namespaceFile); err == nil {
		if ns := strings.TrimSpace(string(raw)); ns != "" {
			return ns
		}
	}
	return "default"
}
