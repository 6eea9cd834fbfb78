package instance

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/serde"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
)

func testDetails(in, out string, timeoutMs int64) *function.Details {
	return &function.Details{
		Identity:    function.Identity{Tenant: "test", Namespace: "default", Name: "echo", Version: "v1"},
		Runtime:     function.KindCompiled,
		Entrypoint:  "Handler",
		InputSerde:  in,
		OutputSerde: out,
		TimeoutMs:   timeoutMs,
	}
}

func TestInvokerConstruction(t *testing.T) {
	Convey("test invoker construction type checks", t, func() {
		testcases := []struct {
			caseName  string
			skipped   bool
			inSerde   string
			outSerde  string
			handler   interface{}
			errPrefix string
			errPart   string
		}{
			{
				caseName: "matched json handler",
				handler:  func(in map[string]interface{}) (map[string]interface{}, error) { return in, nil },
			},
			{
				caseName: "matched utf8 handler with void output",
				inSerde:  serde.UTF8,
				handler:  func(in string) error { return nil },
			},
			{
				caseName: "matched bytes identity handler",
				inSerde:  serde.Bytes,
				outSerde: serde.Bytes,
				handler:  func(in []byte) ([]byte, error) { return in, nil },
			},
			{
				caseName:  "output type does not match output serde",
				inSerde:   serde.UTF8,
				outSerde:  serde.UTF8,
				handler:   func(in string) (map[string]interface{}, error) { return nil, nil },
				errPrefix: "Inconsistent types found between function output type and output serde type",
			},
			{
				caseName:  "input type does not match input serde",
				handler:   func(in string) (map[string]interface{}, error) { return nil, nil },
				errPrefix: "Inconsistent types found between function input type and input serde type",
			},
			{
				caseName: "void input rejected",
				handler:  func(in struct{}) error { return nil },
				errPart:  "void function input type is not allowed",
			},
			{
				caseName: "handler is not a func",
				handler:  42,
				errPart:  "must be a func",
			},
			{
				caseName: "handler without error return",
				inSerde:  serde.UTF8,
				handler:  func(in string) string { return in },
				errPart:  "must return error",
			},
			{
				caseName: "nil handler",
				handler:  nil,
				errPart:  "handler is nil",
			},
			{
				caseName: "unknown serde name",
				inSerde:  "avro",
				handler:  func(in map[string]interface{}) error { return nil },
				errPart:  "unknown serde",
			},
		}
		for _, testcase := range testcases {
			if testcase.skipped {
				continue
			}
			Convey(testcase.caseName, func() {
				inv, err := NewInvoker(testDetails(testcase.inSerde, testcase.outSerde, 0), testcase.handler)
				if testcase.errPrefix == "" && testcase.errPart == "" {
					So(err, ShouldBeNil)
					So(inv, ShouldNotBeNil)
					return
				}
				So(err, ShouldNotBeNil)
				So(inv, ShouldBeNil)
				if testcase.errPrefix != "" {
					So(err.Error(), ShouldStartWith, testcase.errPrefix)
				}
				if testcase.errPart != "" {
					So(err.Error(), ShouldContainSubstring, testcase.errPart)
				}
			})
		}
	})
}

func TestInvokerHandleMessage(t *testing.T) {
	Convey("test bounded invocation outcomes", t, func() {
		Convey("successful invocation returns the handler result", func() {
			inv, err := NewInvoker(testDetails(serde.JSON, serde.JSON, 0),
				func(in map[string]interface{}) (map[string]interface{}, error) {
					in["motto"] = "Veni Vidi Vici"
					return in, nil
				})
			So(err, ShouldBeNil)
			res := inv.HandleMessage("m-1", []byte(`{"a":"b"}`))
			So(res.Succeeded(), ShouldBeTrue)
			So(res.Result, ShouldResemble, map[string]interface{}{"a": "b", "motto": "Veni Vidi Vici"})
			raw, err := inv.SerializeOutput(res.Result)
			So(err, ShouldBeNil)
			So(string(raw), ShouldContainSubstring, "Veni Vidi Vici")
		})

		Convey("handler error is reported as user error", func() {
			inv, err := NewInvoker(testDetails(serde.UTF8, serde.UTF8, 0),
				func(in string) (string, error) { return "", errors.New("boom") })
			So(err, ShouldBeNil)
			res := inv.HandleMessage("m-2", []byte("payload"))
			So(res.Succeeded(), ShouldBeFalse)
			So(res.UserError.Error(), ShouldEqual, "boom")
			So(res.TimeoutError, ShouldBeNil)
		})

		Convey("handler panic is contained as user error", func() {
			inv, err := NewInvoker(testDetails(serde.UTF8, serde.UTF8, 0),
				func(in string) (string, error) { panic("bad handler") })
			So(err, ShouldBeNil)
			res := inv.HandleMessage("m-3", []byte("payload"))
			So(res.UserError, ShouldNotBeNil)
			So(res.UserError.Error(), ShouldContainSubstring, "handler panic")
		})

		Convey("void output handler succeeds with no result", func() {
			inv, err := NewInvoker(testDetails(serde.UTF8, "", 0),
				func(in string) error { return nil })
			So(err, ShouldBeNil)
			res := inv.HandleMessage("m-4", []byte("payload"))
			So(res.Succeeded(), ShouldBeTrue)
			So(res.Result, ShouldBeNil)
		})

		Convey("undecodable payload is a user error", func() {
			inv, err := NewInvoker(testDetails(serde.JSON, serde.JSON, 0),
				func(in map[string]interface{}) (map[string]interface{}, error) { return in, nil })
			So(err, ShouldBeNil)
			res := inv.HandleMessage("m-5", []byte("not json"))
			So(res.UserError, ShouldNotBeNil)
			So(res.UserError.Error(), ShouldContainSubstring, "deserialize input")
		})

		Convey("budget overrun is a timeout, never a double report", func() {
			inv, err := NewInvoker(testDetails(serde.JSON, serde.JSON, 50),
				func(in map[string]interface{}) (map[string]interface{}, error) {
					if _, slow := in["sleep"]; slow {
						time.Sleep(300 * time.Millisecond)
					}
					return in, nil
				})
			So(err, ShouldBeNil)

			res := inv.HandleMessage("m-6", []byte(`{"sleep":true}`))
			So(res.TimeoutError, ShouldNotBeNil)
			So(res.UserError, ShouldBeNil)
			So(res.Result, ShouldBeNil)
			timeout, ok := res.TimeoutError.(*TimeoutError)
			So(ok, ShouldBeTrue)
			So(timeout.Elapsed, ShouldBeGreaterThanOrEqualTo, 50*time.Millisecond)

			// the late worker result must not leak into the next invocation
			next := inv.HandleMessage("m-7", []byte(`{"fast":true}`))
			So(next.Succeeded(), ShouldBeTrue)
			So(next.Result, ShouldResemble, map[string]interface{}{"fast": true})
		})
	})
}
