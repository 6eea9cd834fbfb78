package kubernetes

import (
	"context"
	"fmt"

	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
	"github.com/tidwall/gjson"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
)

// SecretsConfigurator wires a secrets provider into orchestrated workloads:
// it names the provider the instance loads, derives its config, injects the
// declared secrets into the container and verifies at admission that every
// referenced secret is readable.
type SecretsConfigurator interface {
	Provider() string
	ProviderConfig(details *function.Details) map[string]interface{}
	ConfigureWorkload(container *corev1.Container, details *function.Details)
	AdmissionCheck(client k8s.Interface, namespace string, details *function.Details) error
}

// envSecretsConfigurator maps each declared secret to a container environment
// variable backed by a Secret key reference. The descriptor is JSON:
// {"ENV_NAME": {"path": "secret-name", "key": "data-key"}, ...}.
type envSecretsConfigurator struct{}

func NewEnvSecretsConfigurator() SecretsConfigurator { return envSecretsConfigurator{} }

func (envSecretsConfigurator) Provider() string { return "env" }

func (envSecretsConfigurator) ProviderConfig(details *function.Details) map[string]interface{} {
	return nil
}

func (envSecretsConfigurator) ConfigureWorkload(container *corev1.Container, details *function.Details) {
	if details.SecretsMap == "" {
		return
	}
	gjson.Parse(details.SecretsMap).ForEach(func(name, ref gjson.Result) bool {
		container.Env = append(container.Env, corev1.EnvVar{
			Name: name.String(),
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: ref.Get("path").String()},
					Key:                  ref.Get("key").String(),
				},
			},
		})
		return true
	})
}

func (envSecretsConfigurator) AdmissionCheck(client k8s.Interface, namespace string, details *function.Details) error {
	if details.SecretsMap == "" {
		return nil
	}
	if !gjson.Valid(details.SecretsMap) {
		return &errorutils.AdmissionRejectedError{Reason: "secretsMap is not valid JSON"}
	}
	var checkErr error
	gjson.Parse(details.SecretsMap).ForEach(func(name, ref gjson.Result) bool {
		secretName := ref.Get("path").String()
		secretKey := ref.Get("key").String()
		if secretName == "" || secretKey == "" {
			checkErr = &errorutils.AdmissionRejectedError{
				Reason: fmt.Sprintf("secret %s must declare path and key", name.String()),
			}
			return false
		}
		secret, err := client.CoreV1().Secrets(namespace).Get(context.Background(), secretName, metav1.GetOptions{})
		if err != nil {
			checkErr = &errorutils.AdmissionRejectedError{
				Reason: fmt.Sprintf("secret %s is not readable in namespace %s: %v", secretName, namespace, err),
			}
			return false
		}
		if _, ok := secret.Data[secretKey]; !ok {
			checkErr = &errorutils.AdmissionRejectedError{
				Reason: fmt.Sprintf("secret %s has no key %s", secretName, secretKey),
			}
			return false
		}
		return true
	})
	return checkErr
}
