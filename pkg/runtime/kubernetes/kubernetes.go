// Package kubernetes realizes function instances as orchestrated workloads:
// one single-replica StatefulSet plus a headless Service per instance shard,
// submitted to the cluster control plane. The cluster owns instance liveness,
// the factory keeps no local supervision state.
package kubernetes

import (
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"github.com/streamfn/orchestrator/pkg/funccache"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/prom"
	"github.com/streamfn/orchestrator/pkg/runtime"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
	"github.com/streamfn/orchestrator/pkg/tools/k8sutils"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"
	k8s "k8s.io/client-go/kubernetes"
)

const (
	defaultJobNamespace = "default"
	defaultImageName    = "streamfn/streamfn"
	defaultRootDir      = "/streamfn"
)

// ClusterInfo is the mutable orchestrated-backend configuration. The
// configuration watcher may overwrite any field between creations; creations
// read a snapshot so one creation never sees a torn view.
type ClusterInfo struct {
	KubernetesURI             string `yaml:"kubernetesUri"`
	JobNamespace              string `yaml:"jobNamespace"`
	ImageName                 string `yaml:"imageName"`
	RootDir                   string `yaml:"rootDir"`
	ServiceURL                string `yaml:"serviceUrl"`
	AdminURL                  string `yaml:"adminUrl"`
	DependencyRepository      string `yaml:"dependencyRepository"`
	ExtraDependencyRepository string `yaml:"extraDependencyRepository"`
	ExtraDependenciesDir      string `yaml:"extraDependenciesDir"`
	ChangeConfigMap           string `yaml:"changeConfigMap"`
	ChangeConfigMapNamespace  string `yaml:"changeConfigMapNamespace"`
}

// loadClusterInfoFile overlays backend settings kept in a YAML file onto
// info. Operators mount the file next to the orchestrator, fields the file
// sets win over flag values.
func loadClusterInfoFile(path string, info *ClusterInfo) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, info)
}

func (info *ClusterInfo) applyDefaults() {
	if info.JobNamespace == "" {
		info.JobNamespace = defaultJobNamespace
	}
	if info.ImageName == "" {
		info.ImageName = defaultImageName
	}
	if info.RootDir == "" {
		info.RootDir = defaultRootDir
	}
	if info.ExtraDependenciesDir == "" {
		info.ExtraDependenciesDir = info.RootDir + "/instances/deps"
	} else if !strings.HasPrefix(info.ExtraDependenciesDir, "/") {
		info.ExtraDependenciesDir = info.RootDir + "/" + info.ExtraDependenciesDir
	}
	if info.ChangeConfigMap != "" && info.ChangeConfigMapNamespace == "" {
		info.ChangeConfigMapNamespace = k8sutils.GetSelfNamespace()
	}
}

// launcherFile is the orchestrator binary baked into the instance image.
func (info *ClusterInfo) launcherFile() string {
	return info.RootDir + "/bin/orchestrator"
}

func (info *ClusterInfo) wrapperFile() string {
	return info.RootDir + "/instances/node-instance/instance.js"
}

// Factory submits orchestrated workloads.
type Factory struct {
	clientMu    sync.Mutex
	client      k8s.Interface
	clientReady bool

	infoMu sync.RWMutex
	info   ClusterInfo

	submittingInsidePod bool
	secrets             SecretsConfigurator
	cache               funccache.Manager

	watcherStop chan struct{}
	closeOnce   sync.Once
}

func NewFactory() *Factory {
	info := ClusterInfo{
		KubernetesURI:            viper.GetString(env.KubernetesURI),
		JobNamespace:             viper.GetString(env.JobNamespace),
		ImageName:                viper.GetString(env.ImageName),
		RootDir:                  viper.GetString(env.RootDir),
		ServiceURL:               viper.GetString(env.ServiceURL),
		AdminURL:                 viper.GetString(env.AdminURL),
		ChangeConfigMap:          viper.GetString(env.ChangeConfigMap),
		ChangeConfigMapNamespace: viper.GetString(env.ChangeConfigMapNs),
	}
	if path := viper.GetString(env.BackendConfigFile); path != "" {
		if err := loadClusterInfoFile(path, &info); err != nil {
			zap.S().Warnw("backend config file load failed", "file", path, "err", err)
		}
	}
	info.applyDefaults()
	return &Factory{
		info:                info,
		submittingInsidePod: viper.GetBool(env.SubmittingInsidePod),
		secrets:             NewEnvSecretsConfigurator(),
		cache:               funccache.NewManager(funccache.RemoteContextBuilder),
		watcherStop:         make(chan struct{}),
	}
}

func (f *Factory) ExternallyManaged() bool { return true }

func (f *Factory) snapshot() ClusterInfo {
	f.infoMu.RLock()
	defer f.infoMu.RUnlock()
	return f.info
}

// setupClient builds the clientset on first use and starts the configuration
// watcher. The client lives for the factory's lifetime; a later kubernetesUri
// override does not rotate it.
func (f *Factory) setupClient() (k8s.Interface, error) {
	f.clientMu.Lock()
	defer f.clientMu.Unlock()
	if f.clientReady {
		return f.client, nil
	}
	snap := f.snapshot()
	cli, err := k8sutils.BuildClientset(f.submittingInsidePod, snap.KubernetesURI)
	if err != nil {
		return nil, &errorutils.BackendUnavailableError{Backend: string(runtime.BackendKubernetes), Cause: err}
	}
	f.client = cli
	f.clientReady = true
	if snap.ChangeConfigMap != "" {
		go f.runConfigWatcher(f.watcherStop)
	}
	return f.client, nil
}

// jobName derives the workload object name for one instance shard. Identity
// parts are lowercased; anything else invalid is rejected at admission.
func jobName(id function.Identity, instanceID int) string {
	return strings.ToLower(fmt.Sprintf("sf-%s-%s-%s-%d", id.Tenant, id.Namespace, id.Name, instanceID))
}

func (f *Factory) AdmissionCheck(details *function.Details) error {
	switch details.Runtime {
	case function.KindCompiled, function.KindInterpreted:
	default:
		return &errorutils.UnsupportedRuntimeKindError{
			Kind:    string(details.Runtime),
			Backend: string(runtime.BackendKubernetes),
		}
	}
	if details.Entrypoint == "" {
		return &errorutils.AdmissionRejectedError{Reason: "functions must declare an entrypoint"}
	}
	name := jobName(details.Identity, 0)
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return &errorutils.AdmissionRejectedError{
			Reason: fmt.Sprintf("workload name %q: %s", name, strings.Join(errs, ", ")),
		}
	}
	for k, v := range details.Labels {
		if errs := validation.IsQualifiedName(k); len(errs) > 0 {
			return &errorutils.AdmissionRejectedError{
				Reason: fmt.Sprintf("label key %q: %s", k, strings.Join(errs, ", ")),
			}
		}
		if errs := validation.IsValidLabelValue(v); len(errs) > 0 {
			return &errorutils.AdmissionRejectedError{
				Reason: fmt.Sprintf("label value %q: %s", v, strings.Join(errs, ", ")),
			}
		}
	}
	client, err := f.setupClient()
	if err != nil {
		return err
	}
	return f.secrets.AdmissionCheck(client, f.snapshot().JobNamespace, details)
}

func (f *Factory) CreateInstance(cfg *instance.Config) (runtime.Runtime, error) {
	if err := f.AdmissionCheck(cfg.Details); err != nil {
		return nil, err
	}
	client, err := f.setupClient()
	if err != nil {
		return nil, err
	}
	snap := f.snapshot()

	// backend-level defaults fill gaps the assignment layer left open
	eff := *cfg
	if eff.ServiceURL == "" {
		eff.ServiceURL = snap.ServiceURL
	}
	if eff.AdminURL == "" {
		eff.AdminURL = snap.AdminURL
	}
	if eff.SecretsProvider == "" {
		eff.SecretsProvider = f.secrets.Provider()
		eff.SecretsProviderConfig = f.secrets.ProviderConfig(eff.Details)
	}

	// the workload name doubles as the cache holder token, creation and
	// release pair up without any local registry
	name := jobName(eff.Details.Identity, eff.InstanceID)
	key := eff.Details.Key()
	if err := f.cache.Register(key, name, eff.Artifacts); err != nil {
		return nil, err
	}
	ctx, err := f.cache.GetContext(key)
	if err != nil {
		f.cache.Unregister(key, name)
		return nil, err
	}

	args, err := runtime.ComposeArgs(&eff, runtime.LaunchPaths{
		CompiledLauncherFile:   snap.launcherFile(),
		InterpretedWrapperFile: snap.wrapperFile(),
		ExtraDependenciesDir:   snap.ExtraDependenciesDir,
		CodeFile:               ctx.Artifacts()[0],
	})
	if err != nil {
		f.cache.Unregister(key, name)
		return nil, err
	}

	rt := &Runtime{
		client:    client,
		secrets:   f.secrets,
		namespace: snap.JobNamespace,
		jobName:   name,
		image:     snap.ImageName,
		cfg:       &eff,
		args:      args,
	}
	prom.InstancesCreated.WithLabelValues(string(runtime.BackendKubernetes)).Inc()
	zap.S().Infow("orchestrated instance created", "workload", name, "namespace", snap.JobNamespace)
	return rt, nil
}

func (f *Factory) ReleaseInstance(cfg *instance.Config) error {
	client, err := f.setupClient()
	if err != nil {
		return err
	}
	snap := f.snapshot()
	name := jobName(cfg.Details.Identity, cfg.InstanceID)
	rt := &Runtime{client: client, secrets: f.secrets, namespace: snap.JobNamespace, jobName: name, cfg: cfg}
	if err := rt.Stop(); err != nil {
		return err
	}
	f.cache.Unregister(cfg.Details.Key(), name)
	prom.InstancesReleased.WithLabelValues(string(runtime.BackendKubernetes)).Inc()
	return nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() { close(f.watcherStop) })
	f.cache.Close()
	return nil
}

// Cache exposes the factory's dependency cache for introspection.
func (f *Factory) Cache() funccache.Manager { return f.cache }
