package runtime

import (
	"sort"
	"strconv"
	"time"

	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/tools/common"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
)

// LaunchPaths carries the backend-resolved file locations the composer plugs
// into the launch tokens. Factories fill it from their own configuration, the
// composer itself never touches the filesystem.
type LaunchPaths struct {
	// CompiledLauncherFile is the orchestrator binary that hosts compiled
	// instances via its instance subcommand.
	CompiledLauncherFile string
	// InterpretedWrapperFile is the node wrapper script.
	InterpretedWrapperFile string
	// ExtraDependenciesDir extends the interpreter module path when set.
	ExtraDependenciesDir string
	// CodeFile is the resolved primary code artifact.
	CodeFile string
}

// minRAMBytes is the floor below which a declared RAM limit emits no token.
const minRAMBytes = 1 << 20

// ComposeArgs builds the complete launch token sequence for one instance.
// It is pure: equal inputs produce identical sequences, and no token is ever
// emitted for an unset optional field. The instance identity tokens always
// close the sequence.
func ComposeArgs(cfg *instance.Config, paths LaunchPaths) ([]string, error) {
	detailsJSON, err := common.CanonicalJSON(cfg.Details)
	if err != nil {
		return nil, err
	}

	var args []string
	switch cfg.Details.Runtime {
	case function.KindCompiled:
		args = append(args, paths.CompiledLauncherFile, "instance")
		if res := cfg.Details.Resources; res != nil && res.RAMBytes >= minRAMBytes {
			args = append(args, "--ram_bytes", strconv.FormatInt(res.RAMBytes, 10))
		}
		args = append(args, "--code", paths.CodeFile)
	case function.KindInterpreted:
		if paths.ExtraDependenciesDir != "" {
			args = append(args, "NODE_PATH=$NODE_PATH:"+paths.ExtraDependenciesDir)
		}
		args = append(args, "node", paths.InterpretedWrapperFile, "--code", paths.CodeFile)
	default:
		return nil, &errorutils.UnsupportedRuntimeKindError{
			Kind:    string(cfg.Details.Runtime),
			Backend: "composer",
		}
	}

	args = append(args, "--function_details", detailsJSON)
	if cfg.ServiceURL != "" {
		args = append(args, "--service_url", cfg.ServiceURL)
	}
	if cfg.Auth != nil {
		if cfg.Auth.ClientAuthPlugin != "" && cfg.Auth.ClientAuthParams != "" {
			args = append(args, "--client_auth_plugin", cfg.Auth.ClientAuthPlugin)
			args = append(args, "--client_auth_params", cfg.Auth.ClientAuthParams)
		}
		args = append(args, "--use_tls", strconv.FormatBool(cfg.Auth.UseTLS))
		args = append(args, "--tls_allow_insecure", strconv.FormatBool(cfg.Auth.TLSAllowInsecure))
		args = append(args, "--hostname_verification_enabled", strconv.FormatBool(cfg.Auth.TLSHostnameVerification))
		if cfg.Auth.TLSTrustCertsPath != "" {
			args = append(args, "--tls_trust_cert_path", cfg.Auth.TLSTrustCertsPath)
		}
	}
	args = append(args, "--max_buffered_messages", strconv.Itoa(cfg.MaxBufferedMessages))
	args = append(args, "--port", strconv.Itoa(cfg.Port))
	args = append(args, "--metrics_port", strconv.Itoa(cfg.MetricsPort))
	if cfg.StateStorageURL != "" && cfg.Details.Runtime == function.KindCompiled {
		args = append(args, "--state_storage_serviceurl", cfg.StateStorageURL)
	}
	args = append(args, "--expected_healthcheck_interval",
		strconv.Itoa(int(cfg.ExpectedHealthCheckInterval/time.Second)))
	if cfg.SecretsProvider != "" {
		args = append(args, "--secrets_provider", cfg.SecretsProvider)
		if len(cfg.SecretsProviderConfig) > 0 {
			secretsJSON, err := common.CanonicalJSON(cfg.SecretsProviderConfig)
			if err != nil {
				return nil, err
			}
			args = append(args, "--secrets_provider_config", secretsJSON)
		}
	}

	args = append(args,
		"--instance_id", strconv.Itoa(cfg.InstanceID),
		"--function_id", cfg.FunctionID,
		"--function_version", cfg.FunctionVersion,
		"--cluster_name", cfg.ClusterName,
	)
	return args, nil
}

// ComposeEnv returns the instance's extra process environment, sorted by key.
func ComposeEnv(cfg *instance.Config) []string {
	if len(cfg.EnvOverrides) == 0 {
		return nil
	}
	keys := make([]string, 0, len(cfg.EnvOverrides))
	for k := range cfg.EnvOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+cfg.EnvOverrides[k])
	}
	return env
}
