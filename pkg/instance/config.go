// Package instance carries the per-instance configuration assembled by the
// scheduler-assignment layer and the bounded invoker that runs user handlers
// inside an instance.
package instance

import (
	"strconv"
	"time"

	"github.com/streamfn/orchestrator/pkg/function"
)

// AuthConfig is the messaging client authentication block. Plugin and
// parameters are forwarded opaquely to the instance.
type AuthConfig struct {
	ClientAuthPlugin        string
	ClientAuthParams        string
	UseTLS                  bool
	TLSAllowInsecure        bool
	TLSHostnameVerification bool
	TLSTrustCertsPath       string
}

// Config is everything a backend needs to realize one running instance.
// Runtimes treat it as read-only.
type Config struct {
	// InstanceID is the 0-based shard index within the function's parallelism.
	InstanceID      int
	FunctionID      string
	FunctionVersion string
	Details         *function.Details
	// Artifacts are the code artifact locators, primary first.
	Artifacts []string

	ServiceURL      string
	AdminURL        string
	StateStorageURL string
	Auth            *AuthConfig

	SecretsProvider       string
	SecretsProviderConfig map[string]interface{}

	MaxBufferedMessages         int
	ExpectedHealthCheckInterval time.Duration
	// Port serves the instance control API, MetricsPort the prometheus scrape.
	Port        int
	MetricsPort int
	ClusterName string

	// EnvOverrides are extra process environment entries, emitted sorted by key.
	EnvOverrides map[string]string
}

// Identity returns the function identity this instance belongs to.
func (c *Config) Identity() function.Identity {
	return c.Details.Identity
}

// InstanceKey names this instance uniquely within a backend,
// fqn:version:instanceID.
func (c *Config) InstanceKey() string {
	return c.Details.Key() + ":" + strconv.Itoa(c.InstanceID)
}
