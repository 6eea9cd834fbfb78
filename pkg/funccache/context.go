package funccache

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
	"go.uber.org/zap"
)

// IsolationContext is one loaded-code context. How much it actually loads
// depends on the backend: the thread backend holds open plugins, the process
// backend staged local files, the orchestrated backend only validated
// locators.
type IsolationContext interface {
	// Lookup resolves an entrypoint symbol, for backends that load code
	// in-process.
	Lookup(symbol string) (interface{}, error)
	// Artifacts returns the resolved locators in registration order.
	Artifacts() []string
	// Release frees everything the context staged. The cache calls it exactly
	// once, after the last holder unregisters.
	Release() error
}

// PluginContextBuilder eagerly opens every artifact as a Go plugin. Zip
// packages are unpacked first; a directory artifact loads its first file,
// matching what the package store produces.
func PluginContextBuilder(functionKey string, artifacts []string) (IsolationContext, error) {
	if len(artifacts) == 0 {
		return nil, &errorutils.DependencyResolutionError{URI: functionKey, Cause: errors.New("no artifacts declared")}
	}
	scratch, err := ioutil.TempDir("", "streamfn-code-")
	if err != nil {
		return nil, &errorutils.DependencyResolutionError{URI: functionKey, Cause: err}
	}
	ctx := &pluginContext{scratch: scratch}
	for _, uri := range artifacts {
		path, err := ResolveArtifact(uri, scratch)
		if err == nil && strings.HasSuffix(path, ".zip") {
			path, err = unpack(path, scratch)
		}
		if err == nil {
			path, err = pluginFile(path)
		}
		var p *plugin.Plugin
		if err == nil {
			p, err = plugin.Open(path)
		}
		if err != nil {
			ctx.Release()
			return nil, &errorutils.DependencyResolutionError{URI: uri, Cause: err}
		}
		ctx.plugins = append(ctx.plugins, p)
		ctx.paths = append(ctx.paths, path)
	}
	return ctx, nil
}

// StagedContextBuilder resolves every artifact to a local file for a child
// process to load, without opening any of them here.
func StagedContextBuilder(functionKey string, artifacts []string) (IsolationContext, error) {
	if len(artifacts) == 0 {
		return nil, &errorutils.DependencyResolutionError{URI: functionKey, Cause: errors.New("no artifacts declared")}
	}
	scratch, err := ioutil.TempDir("", "streamfn-code-")
	if err != nil {
		return nil, &errorutils.DependencyResolutionError{URI: functionKey, Cause: err}
	}
	ctx := &stagedContext{scratch: scratch}
	for _, uri := range artifacts {
		path, err := ResolveArtifact(uri, scratch)
		if err != nil {
			ctx.Release()
			return nil, &errorutils.DependencyResolutionError{URI: uri, Cause: err}
		}
		ctx.paths = append(ctx.paths, path)
	}
	return ctx, nil
}

// RemoteContextBuilder validates that every artifact is addressable from an
// externally scheduled workload. Local paths never are.
func RemoteContextBuilder(functionKey string, artifacts []string) (IsolationContext, error) {
	if len(artifacts) == 0 {
		return nil, &errorutils.DependencyResolutionError{URI: functionKey, Cause: errors.New("no artifacts declared")}
	}
	for _, uri := range artifacts {
		if !remoteScheme(uri) {
			return nil, &errorutils.DependencyResolutionError{
				URI:   uri,
				Cause: errors.New("orchestrated workloads need a staged http(s):// or store:// locator"),
			}
		}
	}
	return &remoteContext{uris: artifacts}, nil
}

func remoteScheme(uri string) bool {
	return strings.HasPrefix(uri, "http://") ||
		strings.HasPrefix(uri, "https://") ||
		strings.HasPrefix(uri, "store://")
}

// pluginFile narrows a resolved artifact to one loadable plugin file.
func pluginFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("error checking plugin path: %v", err)
	}
	if !info.IsDir() {
		return path, nil
	}
	files, err := ioutil.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("error reading directory: %v", err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no files to load: %v", path)
	}
	return filepath.Join(path, files[0].Name()), nil
}

type pluginContext struct {
	plugins []*plugin.Plugin
	paths   []string
	scratch string
}

func (c *pluginContext) Lookup(symbol string) (interface{}, error) {
	var lastErr error
	for _, p := range c.plugins {
		sym, err := p.Lookup(symbol)
		if err == nil {
			return sym, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no plugins loaded")
	}
	return nil, fmt.Errorf("entry point %s not found: %v", symbol, lastErr)
}

func (c *pluginContext) Artifacts() []string {
	return c.paths
}

func (c *pluginContext) Release() error {
	// loaded plugins stay mapped until process exit, only the staging
	// directory can be reclaimed
	if c.scratch == "" {
		return nil
	}
	if err := os.RemoveAll(c.scratch); err != nil {
		return err
	}
	c.scratch = ""
	return nil
}

type stagedContext struct {
	paths   []string
	scratch string
}

func (c *stagedContext) Lookup(symbol string) (interface{}, error) {
	return nil, errors.New("staged context does not load symbols in this process")
}

func (c *stagedContext) Artifacts() []string {
	return c.paths
}

func (c *stagedContext) Release() error {
	if c.scratch == "" {
		return nil
	}
	if err := os.RemoveAll(c.scratch); err != nil {
		return err
	}
	c.scratch = ""
	return nil
}

type remoteContext struct {
	uris []string
}

func (c *remoteContext) Lookup(symbol string) (interface{}, error) {
	return nil, errors.New("remote context does not load symbols in this process")
}

func (c *remoteContext) Artifacts() []string {
	return c.uris
}

func (c *remoteContext) Release() error {
	zap.S().Debugw("remote context released", "artifacts", c.uris)
	return nil
}
