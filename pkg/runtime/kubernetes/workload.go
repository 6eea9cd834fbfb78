package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/runtime"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	k8s "k8s.io/client-go/kubernetes"
)

const (
	containerName  = "instance"
	submitAttempts = 3

	defaultProbePeriodSeconds = 30
	probeInitialDelaySeconds  = 10
)

// Runtime is the handle to one orchestrated instance. It submits, deletes
// and observes the workload pair; it never supervises the pod itself.
type Runtime struct {
	client    k8s.Interface
	secrets   SecretsConfigurator
	namespace string
	jobName   string
	image     string
	cfg       *instance.Config
	args      []string
}

func (r *Runtime) Start() error {
	svc := r.buildService()
	err := retry.Do(
		func() error { return r.submitService(svc) },
		retry.Attempts(submitAttempts),
	)
	if err != nil {
		return &errorutils.BackendUnavailableError{Backend: string(runtime.BackendKubernetes), Cause: err}
	}
	sts := r.buildStatefulSet()
	err = retry.Do(
		func() error { return r.submitStatefulSet(sts) },
		retry.Attempts(submitAttempts),
	)
	if err != nil {
		return &errorutils.BackendUnavailableError{Backend: string(runtime.BackendKubernetes), Cause: err}
	}
	zap.S().Infow("orchestrated workload submitted", "workload", r.jobName, "namespace", r.namespace)
	return nil
}

func (r *Runtime) Stop() error {
	ctx := context.Background()
	err := r.client.AppsV1().StatefulSets(r.namespace).Delete(ctx, r.jobName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	err = r.client.CoreV1().Services(r.namespace).Delete(ctx, r.jobName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	zap.S().Infow("orchestrated workload deleted", "workload", r.jobName, "namespace", r.namespace)
	return nil
}

func (r *Runtime) Restart() error {
	if err := r.Stop(); err != nil {
		return err
	}
	return r.Start()
}

func (r *Runtime) HealthCheck() error {
	sts, err := r.client.AppsV1().StatefulSets(r.namespace).Get(context.Background(), r.jobName, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if sts.Status.ReadyReplicas < 1 {
		return fmt.Errorf("workload %s has no ready replicas", r.jobName)
	}
	return nil
}

func (r *Runtime) Stats() (*runtime.InstanceStats, error) {
	sts, err := r.client.AppsV1().StatefulSets(r.namespace).Get(context.Background(), r.jobName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	stats := &runtime.InstanceStats{
		Running:   sts.Status.ReadyReplicas > 0,
		StartedAt: sts.CreationTimestamp.Time,
	}
	if stats.Running {
		stats.LastHealthyCheck = time.Now()
	}
	return stats, nil
}

func (r *Runtime) ExecutionID() string { return r.jobName }

func (r *Runtime) submitService(svc *corev1.Service) error {
	_, err := r.client.CoreV1().Services(r.namespace).Create(context.Background(), svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// submitStatefulSet creates the workload, updating the pod template in place
// when a previous generation is still around.
func (r *Runtime) submitStatefulSet(sts *appsv1.StatefulSet) error {
	client := r.client.AppsV1().StatefulSets(r.namespace)
	_, err := client.Create(context.Background(), sts, metav1.CreateOptions{})
	if !apierrors.IsAlreadyExists(err) {
		return err
	}
	existing, err := client.Get(context.Background(), sts.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	existing.Labels = sts.Labels
	existing.Spec.Template = sts.Spec.Template
	_, err = client.Update(context.Background(), existing, metav1.UpdateOptions{})
	return err
}

func (r *Runtime) buildStatefulSet() *appsv1.StatefulSet {
	labels := instanceLabels(r.cfg, r.jobName)
	replicas := int32(1)
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.jobName,
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:            &replicas,
			ServiceName:         r.jobName,
			PodManagementPolicy: appsv1.ParallelPodManagement,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": r.jobName},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: scrapeAnnotations(r.cfg),
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers:    []corev1.Container{r.buildContainer()},
				},
			},
		},
	}
}

func (r *Runtime) buildService() *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.jobName,
			Namespace: r.namespace,
			Labels:    instanceLabels(r.cfg, r.jobName),
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  map[string]string{"app": r.jobName},
		},
	}
	if r.cfg.Port > 0 {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{Name: "control", Port: int32(r.cfg.Port)})
	}
	if r.cfg.MetricsPort > 0 {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{Name: "metrics", Port: int32(r.cfg.MetricsPort)})
	}
	return svc
}

func (r *Runtime) buildContainer() corev1.Container {
	c := corev1.Container{
		Name:      containerName,
		Image:     r.image,
		Command:   []string{"sh", "-c", shellJoin(r.args)},
		Env:       containerEnv(r.cfg),
		Resources: containerResources(r.cfg.Details.Resources),
	}
	if r.cfg.Port > 0 {
		c.Ports = append(c.Ports, corev1.ContainerPort{Name: "control", ContainerPort: int32(r.cfg.Port)})
		period := int32(r.cfg.ExpectedHealthCheckInterval / time.Second)
		if period <= 0 {
			period = defaultProbePeriodSeconds
		}
		c.LivenessProbe = &corev1.Probe{
			Handler: corev1.Handler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: "/healthz",
					Port: intstr.FromInt(r.cfg.Port),
				},
			},
			InitialDelaySeconds: probeInitialDelaySeconds,
			PeriodSeconds:       period,
		}
	}
	if r.cfg.MetricsPort > 0 {
		c.Ports = append(c.Ports, corev1.ContainerPort{Name: "metrics", ContainerPort: int32(r.cfg.MetricsPort)})
	}
	r.secrets.ConfigureWorkload(&c, r.cfg.Details)
	return c
}

func instanceLabels(cfg *instance.Config, jobName string) map[string]string {
	labels := map[string]string{
		"app":                   jobName,
		"streamfn.io/tenant":    cfg.Details.Tenant,
		"streamfn.io/namespace": cfg.Details.Namespace,
		"streamfn.io/function":  cfg.Details.Name,
		"streamfn.io/instance":  strconv.Itoa(cfg.InstanceID),
	}
	for k, v := range cfg.Details.Labels {
		labels[k] = v
	}
	return labels
}

func scrapeAnnotations(cfg *instance.Config) map[string]string {
	if cfg.MetricsPort <= 0 {
		return nil
	}
	return map[string]string{
		"prometheus.io/scrape": "true",
		"prometheus.io/port":   strconv.Itoa(cfg.MetricsPort),
	}
}

func containerEnv(cfg *instance.Config) []corev1.EnvVar {
	entries := runtime.ComposeEnv(cfg)
	env := make([]corev1.EnvVar, 0, len(entries))
	for _, kv := range entries {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env = append(env, corev1.EnvVar{Name: parts[0], Value: parts[1]})
	}
	return env
}

func containerResources(res *function.Resources) corev1.ResourceRequirements {
	if res == nil {
		return corev1.ResourceRequirements{}
	}
	list := corev1.ResourceList{}
	if res.CPUCores > 0 {
		list[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(res.CPUCores*1000), resource.DecimalSI)
	}
	if res.RAMBytes > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(res.RAMBytes, resource.BinarySI)
	}
	if len(list) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Requests: list, Limits: list}
}

// shellSpecial triggers single-quoting when joining tokens for sh -c.
// $ is deliberately absent: leading K=V assignment tokens rely on shell
// expansion of the existing environment.
const shellSpecial = " \t\n\"'\\;&|<>()`*?[]#"

func shellQuote(token string) string {
	if token == "" {
		return "''"
	}
	if !strings.ContainsAny(token, shellSpecial) {
		return token
	}
	return "'" + strings.ReplaceAll(token, "'", `'"'"'`) + "'"
}

func shellJoin(tokens []string) string {
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, shellQuote(t))
	}
	return strings.Join(quoted, " ")
}
