package initial

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"github.com/streamfn/orchestrator/pkg/funccache"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
	"github.com/streamfn/orchestrator/pkg/trace"
	"go.uber.org/zap"
)

// this package boots one function instance inside a backend-provisioned
// process: fetch the code artifact, load the handler and serve the instance
// control API until the backend reclaims the process
var InstanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "run one function instance",
	Long:  "run one function instance",
	Run: func(cmd *cobra.Command, args []string) {
		RunInstance()
	},
}

// RunInstance wires the launch contract end to end and never returns: flag
// parse errors, artifact failures and handler contract violations all abort
// the process so the backend restarts it.
func RunInstance() {
	cfg := configFromFlags()
	invoker := buildInvoker(cfg)
	trace.Init()
	zap.S().Infow("instance up",
		"function", cfg.Details.FullyQualifiedName(),
		"version", cfg.FunctionVersion,
		"instanceId", cfg.InstanceID)
	serveControl(NewInstanceServer(cfg, invoker))
}

func configFromFlags() *instance.Config {
	details := &function.Details{}
	if err := json.Unmarshal([]byte(viper.GetString(env.InstanceFunctionDetails)), details); err != nil {
		zap.S().Fatalw("function details unmarshal error", "err", err)
	}
	cfg := &instance.Config{
		InstanceID:                  viper.GetInt(env.InstanceID),
		FunctionID:                  viper.GetString(env.InstanceFunctionID),
		FunctionVersion:             viper.GetString(env.InstanceFunctionVersion),
		Details:                     details,
		Artifacts:                   []string{viper.GetString(env.InstanceCode)},
		ServiceURL:                  viper.GetString(env.InstanceServiceURL),
		StateStorageURL:             viper.GetString(env.InstanceStateStorageURL),
		SecretsProvider:             viper.GetString(env.InstanceSecretsProvider),
		MaxBufferedMessages:         viper.GetInt(env.InstanceMaxBufferedMessages),
		ExpectedHealthCheckInterval: time.Duration(viper.GetInt(env.InstanceHealthCheckInterval)) * time.Second,
		Port:                        viper.GetInt(env.InstancePort),
		MetricsPort:                 viper.GetInt(env.InstanceMetricsPort),
		ClusterName:                 viper.GetString(env.InstanceClusterName),
	}
	if plugin := viper.GetString(env.InstanceClientAuthPlugin); plugin != "" || viper.GetBool(env.InstanceUseTLS) {
		cfg.Auth = &instance.AuthConfig{
			ClientAuthPlugin:        plugin,
			ClientAuthParams:        viper.GetString(env.InstanceClientAuthParams),
			UseTLS:                  viper.GetBool(env.InstanceUseTLS),
			TLSAllowInsecure:        viper.GetBool(env.InstanceTLSAllowInsecure),
			TLSHostnameVerification: viper.GetBool(env.InstanceTLSHostnameVerification),
			TLSTrustCertsPath:       viper.GetString(env.InstanceTLSTrustCertsPath),
		}
	}
	if raw := viper.GetString(env.InstanceSecretsProviderConfig); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.SecretsProviderConfig); err != nil {
			zap.S().Warnw("secrets provider config unmarshal error", "err", err)
		}
	}
	return cfg
}

// buildInvoker loads the code artifact into this process and validates the
// handler against the declared serdes before any message arrives.
func buildInvoker(cfg *instance.Config) *instance.Invoker {
	if cfg.Details.Runtime != function.KindCompiled {
		zap.S().Fatalw("only compiled functions load in-process", "kind", cfg.Details.Runtime)
	}
	cache := funccache.NewManager(funccache.PluginContextBuilder)
	key := cfg.Details.Key()
	if err := cache.Register(key, cfg.InstanceKey(), cfg.Artifacts); err != nil {
		zap.S().Fatalw("code artifact load error", "artifacts", cfg.Artifacts, "err", err)
	}
	ctx, err := cache.GetContext(key)
	if err != nil {
		zap.S().Fatalw("isolation context error", "function", key, "err", err)
	}
	sym, err := ctx.Lookup(cfg.Details.Entrypoint)
	if err != nil {
		zap.S().Fatalw("entrypoint lookup error", "entrypoint", cfg.Details.Entrypoint, "err", err)
	}
	invoker, err := instance.NewInvoker(cfg.Details, sym)
	if err != nil {
		zap.S().Fatalw("handler validation error", "entrypoint", cfg.Details.Entrypoint, "err", err)
	}
	return invoker
}

func serveControl(srv *InstanceServer) {
	r := gin.Default()
	RegisterRoutes(r, srv)
	if srv.cfg.MetricsPort > 0 && srv.cfg.MetricsPort != srv.cfg.Port {
		go func() {
			m := gin.New()
			m.GET("/metrics", prometheusHandler())
			if err := m.Run(fmt.Sprintf(":%d", srv.cfg.MetricsPort)); err != nil {
				zap.S().Errorw("metrics listener error", "err", err)
			}
		}()
	}
	var err error
	if srv.cfg.Port > 0 {
		err = r.Run(fmt.Sprintf(":%d", srv.cfg.Port))
	} else {
		err = r.Run()
	}
	zap.S().Fatalw("control listener stopped", "err", err)
}

func bind(name, value, usage string) {
	InstanceCmd.Flags().String(name, value, usage)
	_ = viper.BindPFlag(flagKeys[name], InstanceCmd.Flags().Lookup(name))
}

// flagKeys maps launch contract flag names to viper keys. Flag names are
// frozen, renaming one breaks every composed command in flight.
var flagKeys = map[string]string{
	"code":                          env.InstanceCode,
	"function_details":              env.InstanceFunctionDetails,
	"service_url":                   env.InstanceServiceURL,
	"client_auth_plugin":            env.InstanceClientAuthPlugin,
	"client_auth_params":            env.InstanceClientAuthParams,
	"use_tls":                       env.InstanceUseTLS,
	"tls_allow_insecure":            env.InstanceTLSAllowInsecure,
	"hostname_verification_enabled": env.InstanceTLSHostnameVerification,
	"tls_trust_cert_path":           env.InstanceTLSTrustCertsPath,
	"max_buffered_messages":         env.InstanceMaxBufferedMessages,
	"port":                          env.InstancePort,
	"metrics_port":                  env.InstanceMetricsPort,
	"state_storage_serviceurl":      env.InstanceStateStorageURL,
	"expected_healthcheck_interval": env.InstanceHealthCheckInterval,
	"secrets_provider":              env.InstanceSecretsProvider,
	"secrets_provider_config":       env.InstanceSecretsProviderConfig,
	"instance_id":                   env.InstanceID,
	"function_id":                   env.InstanceFunctionID,
	"function_version":              env.InstanceFunctionVersion,
	"cluster_name":                  env.InstanceClusterName,
	"ram_bytes":                     env.InstanceRAMBytes,
}

func init() {
	bind("code", "", "code artifact locator")
	bind("function_details", "", "function details json")
	bind("service_url", "", "messaging service url")
	bind("client_auth_plugin", "", "messaging client auth plugin")
	bind("client_auth_params", "", "messaging client auth params")
	bind("use_tls", "false", "use tls for the messaging client")
	bind("tls_allow_insecure", "false", "allow insecure tls connections")
	bind("hostname_verification_enabled", "false", "verify tls hostnames")
	bind("tls_trust_cert_path", "", "tls trust certs file path")
	bind("max_buffered_messages", "0", "max buffered messages")
	bind("port", "0", "instance control api port")
	bind("metrics_port", "0", "prometheus scrape port")
	bind("state_storage_serviceurl", "", "state storage service url")
	bind("expected_healthcheck_interval", "0", "expected healthcheck interval in seconds")
	bind("secrets_provider", "", "secrets provider name")
	bind("secrets_provider_config", "", "secrets provider config json")
	bind("instance_id", "0", "instance shard index")
	bind("function_id", "", "function id")
	bind("function_version", "", "function version")
	bind("cluster_name", "", "cluster name")
	bind("ram_bytes", "0", "ram limit in bytes")

	InstanceCmd.Flags().StringP(env.RedisIP, "I", "10.0.0.96", "redis ip of the package store")
	_ = viper.BindPFlag(env.RedisIP, InstanceCmd.Flags().Lookup(env.RedisIP))
	InstanceCmd.Flags().StringP(env.RedisPort, "P", "30285", "redis port of the package store")
	_ = viper.BindPFlag(env.RedisPort, InstanceCmd.Flags().Lookup(env.RedisPort))
	InstanceCmd.Flags().StringP(env.RedisPassword, "S", "", "redis password of the package store")
	_ = viper.BindPFlag(env.RedisPassword, InstanceCmd.Flags().Lookup(env.RedisPassword))
	InstanceCmd.Flags().Int32P(env.DefaultDb, "D", 0, "redis default db of the package store")
	_ = viper.BindPFlag(env.DefaultDb, InstanceCmd.Flags().Lookup(env.DefaultDb))
}
