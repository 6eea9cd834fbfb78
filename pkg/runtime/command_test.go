package runtime

import (
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/serde"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
)

func composerConfig(kind function.Kind) *instance.Config {
	return &instance.Config{
		InstanceID:      2,
		FunctionID:      "fid-123",
		FunctionVersion: "v7",
		Details: &function.Details{
			Identity:    function.Identity{Tenant: "acme", Namespace: "prod", Name: "wordcount", Version: "v7"},
			Runtime:     kind,
			Entrypoint:  "Handler",
			InputSerde:  serde.UTF8,
			OutputSerde: serde.UTF8,
			Parallelism: 3,
			Resources:   &function.Resources{CPUCores: 0.5, RAMBytes: 64 << 20},
			UserConfig:  map[string]string{"b": "2", "a": "1"},
		},
		Artifacts:                   []string{"store://prod/wordcount"},
		ServiceURL:                  "msg://broker:6650",
		MaxBufferedMessages:         1024,
		ExpectedHealthCheckInterval: 30 * time.Second,
		Port:                        9093,
		MetricsPort:                 9094,
		ClusterName:                 "east-1",
	}
}

func testPaths() LaunchPaths {
	return LaunchPaths{
		CompiledLauncherFile:   "/streamfn/bin/orchestrator",
		InterpretedWrapperFile: "/streamfn/instances/node-instance/instance.js",
		CodeFile:               "/tmp/code/wordcount.so",
	}
}

func indexOf(args []string, token string) int {
	for i, a := range args {
		if a == token {
			return i
		}
	}
	return -1
}

func TestComposeArgs(t *testing.T) {
	Convey("test launch token composition", t, func() {
		Convey("equal inputs produce identical sequences", func() {
			first, err := ComposeArgs(composerConfig(function.KindCompiled), testPaths())
			So(err, ShouldBeNil)
			second, err := ComposeArgs(composerConfig(function.KindCompiled), testPaths())
			So(err, ShouldBeNil)
			So(second, ShouldResemble, first)
		})

		Convey("instance identity tokens close the sequence", func() {
			args, err := ComposeArgs(composerConfig(function.KindCompiled), testPaths())
			So(err, ShouldBeNil)
			tail := args[len(args)-8:]
			So(tail, ShouldResemble, []string{
				"--instance_id", "2",
				"--function_id", "fid-123",
				"--function_version", "v7",
				"--cluster_name", "east-1",
			})
		})

		Convey("details are serialized before endpoint tokens", func() {
			args, err := ComposeArgs(composerConfig(function.KindCompiled), testPaths())
			So(err, ShouldBeNil)
			detailsAt := indexOf(args, "--function_details")
			serviceAt := indexOf(args, "--service_url")
			So(detailsAt, ShouldBeGreaterThan, -1)
			So(serviceAt, ShouldBeGreaterThan, detailsAt)
			So(args[detailsAt+1], ShouldContainSubstring, `"name":"wordcount"`)
		})

		Convey("unset optional fields contribute no tokens", func() {
			args, err := ComposeArgs(composerConfig(function.KindCompiled), testPaths())
			So(err, ShouldBeNil)
			So(indexOf(args, "--client_auth_plugin"), ShouldEqual, -1)
			So(indexOf(args, "--state_storage_serviceurl"), ShouldEqual, -1)
			So(indexOf(args, "--secrets_provider"), ShouldEqual, -1)
			So(indexOf(args, ""), ShouldEqual, -1)
		})

		Convey("auth block needs both plugin and params", func() {
			cfg := composerConfig(function.KindCompiled)
			cfg.Auth = &instance.AuthConfig{ClientAuthPlugin: "token", UseTLS: true}
			args, err := ComposeArgs(cfg, testPaths())
			So(err, ShouldBeNil)
			So(indexOf(args, "--client_auth_plugin"), ShouldEqual, -1)
			So(args[indexOf(args, "--use_tls")+1], ShouldEqual, "true")

			cfg.Auth.ClientAuthParams = "file:///etc/token"
			args, err = ComposeArgs(cfg, testPaths())
			So(err, ShouldBeNil)
			So(args[indexOf(args, "--client_auth_plugin")+1], ShouldEqual, "token")
			So(args[indexOf(args, "--client_auth_params")+1], ShouldEqual, "file:///etc/token")
		})

		Convey("ram limit under the floor emits no token", func() {
			cfg := composerConfig(function.KindCompiled)
			cfg.Details.Resources.RAMBytes = 1024
			args, err := ComposeArgs(cfg, testPaths())
			So(err, ShouldBeNil)
			So(indexOf(args, "--ram_bytes"), ShouldEqual, -1)

			cfg.Details.Resources.RAMBytes = 64 << 20
			args, err = ComposeArgs(cfg, testPaths())
			So(err, ShouldBeNil)
			So(args[indexOf(args, "--ram_bytes")+1], ShouldEqual, "67108864")
		})

		Convey("interpreted branch runs the node wrapper", func() {
			cfg := composerConfig(function.KindInterpreted)
			cfg.StateStorageURL = "state://table:4181"
			paths := testPaths()
			paths.ExtraDependenciesDir = "/streamfn/instances/deps"
			args, err := ComposeArgs(cfg, paths)
			So(err, ShouldBeNil)
			So(args[0], ShouldStartWith, "NODE_PATH=")
			So(args[1], ShouldEqual, "node")
			So(args[2], ShouldEqual, paths.InterpretedWrapperFile)
			// state storage travels with compiled instances only
			So(indexOf(args, "--state_storage_serviceurl"), ShouldEqual, -1)
		})

		Convey("secrets descriptor is forwarded verbatim", func() {
			cfg := composerConfig(function.KindCompiled)
			cfg.SecretsProvider = "kubernetes"
			cfg.SecretsProviderConfig = map[string]interface{}{"b": "2", "a": "1"}
			args, err := ComposeArgs(cfg, testPaths())
			So(err, ShouldBeNil)
			So(args[indexOf(args, "--secrets_provider")+1], ShouldEqual, "kubernetes")
			So(args[indexOf(args, "--secrets_provider_config")+1], ShouldEqual, `{"a":"1","b":"2"}`)
		})

		Convey("unknown runtime kind is rejected", func() {
			cfg := composerConfig(function.Kind("jvm"))
			_, err := ComposeArgs(cfg, testPaths())
			So(err, ShouldNotBeNil)
			unsupported, ok := err.(*errorutils.UnsupportedRuntimeKindError)
			So(ok, ShouldBeTrue)
			So(unsupported.Kind, ShouldEqual, "jvm")
		})
	})
}

func TestComposeEnv(t *testing.T) {
	Convey("test environment composition", t, func() {
		cfg := composerConfig(function.KindCompiled)
		So(ComposeEnv(cfg), ShouldBeNil)

		cfg.EnvOverrides = map[string]string{"ZONE": "b", "APP": "wordcount", "MODE": "strict"}
		env := ComposeEnv(cfg)
		So(env, ShouldResemble, []string{"APP=wordcount", "MODE=strict", "ZONE=b"})
		So(strings.Join(env, ","), ShouldEqual, strings.Join(ComposeEnv(cfg), ","))
	})
}
