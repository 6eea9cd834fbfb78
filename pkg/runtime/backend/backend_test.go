package backend

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"github.com/streamfn/orchestrator/pkg/runtime"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
)

func TestBackendDispatch(t *testing.T) {
	Convey("test backend dispatch", t, func() {
		Convey("each known kind yields a factory", func() {
			for _, kind := range []runtime.BackendKind{
				runtime.BackendThread,
				runtime.BackendProcess,
				runtime.BackendKubernetes,
			} {
				f, err := New(kind)
				So(err, ShouldBeNil)
				So(f, ShouldNotBeNil)
				So(f.Close(), ShouldBeNil)
			}
		})

		Convey("an unknown kind is a configuration error", func() {
			_, err := New("fleet")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "fleet")
		})

		Convey("from config falls back to the process backend", func() {
			viper.Set(env.Backend, "")
			f, err := FromConfig()
			So(err, ShouldBeNil)
			So(f.ExternallyManaged(), ShouldBeFalse)
			So(f.Close(), ShouldBeNil)

			viper.Set(env.Backend, string(runtime.BackendKubernetes))
			defer viper.Set(env.Backend, "")
			f, err = FromConfig()
			So(err, ShouldBeNil)
			So(f.ExternallyManaged(), ShouldBeTrue)
			So(f.Close(), ShouldBeNil)
		})
	})
}
