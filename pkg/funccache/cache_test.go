package funccache

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/streamfn/orchestrator/pkg/store"
	"github.com/streamfn/orchestrator/pkg/tools/base64"
	_ "github.com/streamfn/orchestrator/pkg/tools/log"
)

type fakeContext struct {
	artifacts []string
	releases  int
}

func (c *fakeContext) Lookup(symbol string) (interface{}, error) { return nil, nil }
func (c *fakeContext) Artifacts() []string                       { return c.artifacts }
func (c *fakeContext) Release() error {
	c.releases++
	return nil
}

type fakeBuilder struct {
	builds int
	fail   error
	last   *fakeContext
}

func (b *fakeBuilder) build(functionKey string, artifacts []string) (IsolationContext, error) {
	b.builds++
	if b.fail != nil {
		return nil, b.fail
	}
	b.last = &fakeContext{artifacts: artifacts}
	return b.last, nil
}

func TestManagerRefCounting(t *testing.T) {
	Convey("test dependency cache reference counting", t, func() {
		const key = "test/default/echo:v1"

		Convey("two holders share one context", func() {
			builder := &fakeBuilder{}
			m := NewManager(builder.build)
			So(m.Register(key, "exec-1", []string{"a.so"}), ShouldBeNil)
			So(m.Register(key, "exec-2", []string{"b.so"}), ShouldBeNil)
			So(builder.builds, ShouldEqual, 1)
			So(m.Holders(key), ShouldEqual, 2)

			ctx, err := m.GetContext(key)
			So(err, ShouldBeNil)
			So(ctx, ShouldEqual, builder.last)
			// the first registration's artifact list stays authoritative
			So(ctx.Artifacts(), ShouldResemble, []string{"a.so"})
		})

		Convey("context survives until the last holder leaves", func() {
			builder := &fakeBuilder{}
			m := NewManager(builder.build)
			So(m.Register(key, "exec-1", []string{"a.so"}), ShouldBeNil)
			So(m.Register(key, "exec-2", []string{"a.so"}), ShouldBeNil)

			m.Unregister(key, "exec-1")
			So(m.Holders(key), ShouldEqual, 1)
			So(builder.last.releases, ShouldEqual, 0)
			_, err := m.GetContext(key)
			So(err, ShouldBeNil)

			m.Unregister(key, "exec-2")
			So(m.Holders(key), ShouldEqual, 0)
			So(builder.last.releases, ShouldEqual, 1)
			_, err = m.GetContext(key)
			So(err, ShouldNotBeNil)
		})

		Convey("unregister is idempotent and never double-releases", func() {
			builder := &fakeBuilder{}
			m := NewManager(builder.build)
			So(m.Register(key, "exec-1", []string{"a.so"}), ShouldBeNil)
			m.Unregister(key, "exec-1")
			m.Unregister(key, "exec-1")
			m.Unregister("unknown/key:v0", "exec-1")
			So(builder.last.releases, ShouldEqual, 1)
		})

		Convey("failed build leaves no partial entry", func() {
			builder := &fakeBuilder{fail: errors.New("artifact unreachable")}
			m := NewManager(builder.build)
			err := m.Register(key, "exec-1", []string{"missing.so"})
			So(err, ShouldNotBeNil)
			So(m.Holders(key), ShouldEqual, 0)
			_, err = m.GetContext(key)
			So(err.Error(), ShouldContainSubstring, "no dependencies registered")
		})

		Convey("get without any registration is a hard error", func() {
			m := NewManager((&fakeBuilder{}).build)
			_, err := m.GetContext(key)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, key)
		})

		Convey("close releases every remaining context", func() {
			builder := &fakeBuilder{}
			m := NewManager(builder.build)
			So(m.Register(key, "exec-1", []string{"a.so"}), ShouldBeNil)
			m.Close()
			So(builder.last.releases, ShouldEqual, 1)
			So(m.Holders(key), ShouldEqual, 0)
		})
	})
}

func TestResolveArtifact(t *testing.T) {
	Convey("test artifact locator resolution", t, func() {
		f, err := ioutil.TempFile("", "code-*.so")
		So(err, ShouldBeNil)
		defer os.Remove(f.Name())
		f.Close()

		testcases := []struct {
			caseName string
			uri      string
			wantErr  bool
		}{
			{caseName: "bare local path", uri: f.Name()},
			{caseName: "file scheme", uri: "file://" + f.Name()},
			{caseName: "missing local path", uri: "/does/not/exist.so", wantErr: true},
			{caseName: "empty uri", uri: "", wantErr: true},
			{caseName: "unsupported scheme", uri: "ftp://host/code.so", wantErr: true},
			{caseName: "malformed store locator", uri: "store://only-namespace", wantErr: true},
		}
		for _, testcase := range testcases {
			Convey(testcase.caseName, func() {
				path, err := ResolveArtifact(testcase.uri, os.TempDir())
				if testcase.wantErr {
					So(err, ShouldNotBeNil)
				} else {
					So(err, ShouldBeNil)
					So(path, ShouldNotBeEmpty)
				}
			})
		}
	})
}

func TestStagePackages(t *testing.T) {
	Convey("test remote package staging", t, func() {
		dir, err := ioutil.TempDir("", "staging")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		srcDir := filepath.Join(dir, "src")
		So(os.MkdirAll(srcDir, 0775), ShouldBeNil)
		archive := filepath.Join(srcDir, "words.zip")
		So(writeZip(archive, map[string]string{"index.js": "module.exports = 1\n"}), ShouldBeNil)
		stageDir := filepath.Join(dir, "stage")

		Convey("store locators decode the package payload", func() {
			payload, err := base64.EncodePackage(archive)
			So(err, ShouldBeNil)
			old := store.Get
			store.Get = func(namespace, name string) (string, error) {
				if namespace == "prod" && name == "words" {
					return payload, nil
				}
				return "", fmt.Errorf("no package for %s/%s", namespace, name)
			}
			defer func() { store.Get = old }()

			staged, err := ResolveArtifact("store://prod/words", stageDir)
			So(err, ShouldBeNil)
			So(staged, ShouldEndWith, "words.zip")

			unpacked, err := unpack(staged, stageDir)
			So(err, ShouldBeNil)
			content, err := ioutil.ReadFile(filepath.Join(unpacked, "index.js"))
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "module.exports = 1\n")

			_, err = ResolveArtifact("store://prod/unknown", stageDir)
			So(err, ShouldNotBeNil)
		})

		Convey("http locators download the package", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/packages/words.zip" {
					w.WriteHeader(404)
					return
				}
				raw, _ := ioutil.ReadFile(archive)
				_, _ = w.Write(raw)
			}))
			defer srv.Close()

			staged, err := ResolveArtifact(srv.URL+"/packages/words.zip", stageDir)
			So(err, ShouldBeNil)
			So(staged, ShouldEndWith, "words.zip")

			_, err = ResolveArtifact(srv.URL+"/packages/missing.zip", stageDir)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "status 404")
		})
	})
}

func writeZip(name string, files map[string]string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for entry, content := range files {
		dst, err := w.Create(entry)
		if err != nil {
			return err
		}
		if _, err := dst.Write([]byte(content)); err != nil {
			return err
		}
	}
	return w.Close()
}

func TestRemoteContextBuilder(t *testing.T) {
	Convey("test remote artifact validation", t, func() {
		Convey("staged locators are accepted untouched", func() {
			ctx, err := RemoteContextBuilder("test/default/echo:v1",
				[]string{"store://default/echo", "https://packages.internal/echo.zip"})
			So(err, ShouldBeNil)
			So(ctx.Artifacts(), ShouldResemble, []string{"store://default/echo", "https://packages.internal/echo.zip"})
			So(ctx.Release(), ShouldBeNil)
		})

		Convey("local paths are rejected", func() {
			_, err := RemoteContextBuilder("test/default/echo:v1", []string{"/opt/code/echo.so"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "staged")
		})

		Convey("empty artifact list is rejected", func() {
			_, err := RemoteContextBuilder("test/default/echo:v1", nil)
			So(err, ShouldNotBeNil)
		})
	})
}
