package kubernetes

import (
	"context"
	"time"

	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const defaultReloadInterval = 5 * time.Minute

// fieldBinding binds one ConfigMap key to a ClusterInfo field. The table
// below is the complete set of watchable fields; snapshot keys outside it
// are ignored.
type fieldBinding struct {
	name string
	get  func(*ClusterInfo) string
	set  func(*ClusterInfo, string)
}

var clusterBindings = []fieldBinding{
	{"kubernetesUri",
		func(i *ClusterInfo) string { return i.KubernetesURI },
		func(i *ClusterInfo, v string) { i.KubernetesURI = v }},
	{"jobNamespace",
		func(i *ClusterInfo) string { return i.JobNamespace },
		func(i *ClusterInfo, v string) { i.JobNamespace = v }},
	{"imageName",
		func(i *ClusterInfo) string { return i.ImageName },
		func(i *ClusterInfo, v string) { i.ImageName = v }},
	{"rootDir",
		func(i *ClusterInfo) string { return i.RootDir },
		func(i *ClusterInfo, v string) { i.RootDir = v }},
	{"serviceUrl",
		func(i *ClusterInfo) string { return i.ServiceURL },
		func(i *ClusterInfo, v string) { i.ServiceURL = v }},
	{"adminUrl",
		func(i *ClusterInfo) string { return i.AdminURL },
		func(i *ClusterInfo, v string) { i.AdminURL = v }},
	{"dependencyRepository",
		func(i *ClusterInfo) string { return i.DependencyRepository },
		func(i *ClusterInfo, v string) { i.DependencyRepository = v }},
	{"extraDependencyRepository",
		func(i *ClusterInfo) string { return i.ExtraDependencyRepository },
		func(i *ClusterInfo, v string) { i.ExtraDependencyRepository = v }},
	{"extraDependenciesDir",
		func(i *ClusterInfo) string { return i.ExtraDependenciesDir },
		func(i *ClusterInfo, v string) { i.ExtraDependenciesDir = v }},
	{"changeConfigMap",
		func(i *ClusterInfo) string { return i.ChangeConfigMap },
		func(i *ClusterInfo, v string) { i.ChangeConfigMap = v }},
	{"changeConfigMapNamespace",
		func(i *ClusterInfo) string { return i.ChangeConfigMapNamespace },
		func(i *ClusterInfo, v string) { i.ChangeConfigMapNamespace = v }},
}

// runConfigWatcher reconciles the mutable backend parameters from the change
// ConfigMap until stop closes. A failed fetch keeps the previous values.
func (f *Factory) runConfigWatcher(stop <-chan struct{}) {
	interval := viper.GetDuration(env.ConfigReloadInterval)
	if interval <= 0 {
		interval = defaultReloadInterval
	}
	zap.S().Infow("cluster config watcher started", "interval", interval)
	zap.S().Warnw("kubernetesUri changes do not rebuild the live client")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			zap.S().Infow("cluster config watcher stopped")
			return
		case <-ticker.C:
			f.reloadClusterConfig()
		}
	}
}

func (f *Factory) reloadClusterConfig() {
	snap := f.snapshot()
	cm, err := f.client.CoreV1().ConfigMaps(snap.ChangeConfigMapNamespace).Get(
		context.Background(), snap.ChangeConfigMap, metav1.GetOptions{})
	if err != nil {
		zap.S().Errorw("cluster config fetch failed",
			"configMap", snap.ChangeConfigMap, "namespace", snap.ChangeConfigMapNamespace, "err", err)
		return
	}
	f.applyClusterConfig(cm.Data)
}

// applyClusterConfig overrides bound fields whose snapshot value differs,
// logging field, old and new before each write.
func (f *Factory) applyClusterConfig(data map[string]string) {
	if len(data) == 0 {
		return
	}
	f.infoMu.Lock()
	defer f.infoMu.Unlock()
	for _, b := range clusterBindings {
		value, ok := data[b.name]
		if !ok {
			continue
		}
		old := b.get(&f.info)
		if value == old {
			continue
		}
		zap.S().Infow("cluster config changed", "field", b.name, "old", old, "new", value)
		b.set(&f.info, value)
	}
}
