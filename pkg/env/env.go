package env

// viper keys shared across packages
const (
	Local                = "local"
	Mock                 = "mock"
	LogLevel             = "logLevel"
	ClusterName          = "clusterName"
	Backend              = "backend"
	RedisIP              = "RedisIp"
	RedisPort            = "RedisPort"
	RedisPassword        = "RedisPassword"
	DefaultDb            = "DefaultDb"
	ConfigReloadInterval = "configReloadInterval"
	SubmittingInsidePod  = "submittingInsidePod"
	BackendConfigFile    = "backendConfigFile"
	KubernetesURI        = "kubernetesUri"
	JobNamespace         = "jobNamespace"
	ImageName            = "imageName"
	RootDir              = "rootDir"
	ServiceURL           = "serviceUrl"
	AdminURL             = "adminUrl"
	ChangeConfigMap      = "changeConfigMap"
	ChangeConfigMapNs    = "changeConfigMapNamespace"
	TraceAgentHostPort   = "TraceAgentHostPort"

	// instance bootstrap keys, bound from the launch-time flag contract
	InstanceCode                    = "code"
	InstanceID                      = "instanceId"
	InstanceFunctionID              = "functionId"
	InstanceFunctionVersion         = "functionVersion"
	InstanceFunctionDetails         = "functionDetails"
	InstancePort                    = "instancePort"
	InstanceMetricsPort             = "instanceMetricsPort"
	InstanceClusterName             = "instanceClusterName"
	InstanceServiceURL              = "instanceServiceUrl"
	InstanceStateStorageURL         = "instanceStateStorageUrl"
	InstanceRAMBytes                = "instanceRamBytes"
	InstanceMaxBufferedMessages     = "instanceMaxBufferedMessages"
	InstanceHealthCheckInterval     = "instanceExpectedHealthcheckInterval"
	InstanceClientAuthPlugin        = "instanceClientAuthPlugin"
	InstanceClientAuthParams        = "instanceClientAuthParams"
	InstanceUseTLS                  = "instanceUseTls"
	InstanceTLSAllowInsecure        = "instanceTlsAllowInsecure"
	InstanceTLSHostnameVerification = "instanceTlsHostnameVerification"
	InstanceTLSTrustCertsPath       = "instanceTlsTrustCertsPath"
	InstanceSecretsProvider         = "instanceSecretsProvider"
	InstanceSecretsProviderConfig   = "instanceSecretsProviderConfig"

	// FileRoot is the scratch directory instances unpack code into.
	FileRoot = "/streamfn/"
)
