// Package process runs function instances as supervised child processes on
// this host, launched with the composed token sequence. Compiled instances
// re-exec the orchestrator binary's instance subcommand, interpreted ones run
// the bundled node wrapper.
package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/xid"
	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"github.com/streamfn/orchestrator/pkg/funccache"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/prom"
	"github.com/streamfn/orchestrator/pkg/runtime"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
	"go.uber.org/zap"
)

const selfExe = "/proc/self/exe"

var controlClient = &http.Client{Timeout: 2 * time.Second}

// Factory spawns and supervises child-process instances.
type Factory struct {
	cache        funccache.Manager
	runtimes     cmap.ConcurrentMap
	launcherFile string
	wrapperFile  string
	logDir       string
}

func NewFactory() *Factory {
	rootDir := viper.GetString(env.RootDir)
	if rootDir == "" {
		rootDir = strings.TrimSuffix(env.FileRoot, "/")
	}
	return &Factory{
		cache:        funccache.NewManager(funccache.StagedContextBuilder),
		runtimes:     cmap.New(),
		launcherFile: selfExe,
		wrapperFile:  filepath.Join(rootDir, "instances", "node-instance", "instance.js"),
		logDir:       filepath.Join(rootDir, "logs", "functions"),
	}
}

func (f *Factory) ExternallyManaged() bool { return false }

func (f *Factory) AdmissionCheck(details *function.Details) error {
	switch details.Runtime {
	case function.KindCompiled, function.KindInterpreted:
	default:
		return &errorutils.UnsupportedRuntimeKindError{
			Kind:    string(details.Runtime),
			Backend: string(runtime.BackendProcess),
		}
	}
	if details.Entrypoint == "" {
		return &errorutils.AdmissionRejectedError{Reason: "functions must declare an entrypoint"}
	}
	return nil
}

func (f *Factory) CreateInstance(cfg *instance.Config) (runtime.Runtime, error) {
	if err := f.AdmissionCheck(cfg.Details); err != nil {
		return nil, err
	}
	if cfg.Details.Runtime == function.KindInterpreted {
		if _, err := os.Stat(f.wrapperFile); err != nil {
			return nil, &errorutils.BackendUnavailableError{Backend: string(runtime.BackendProcess), Cause: err}
		}
	}

	executionID := fmt.Sprintf("%s-%s", cfg.InstanceKey(), xid.New().String())
	key := cfg.Details.Key()
	if err := f.cache.Register(key, executionID, cfg.Artifacts); err != nil {
		return nil, err
	}
	ctx, err := f.cache.GetContext(key)
	if err != nil {
		f.cache.Unregister(key, executionID)
		return nil, err
	}

	args, err := runtime.ComposeArgs(cfg, runtime.LaunchPaths{
		CompiledLauncherFile:   f.launcherFile,
		InterpretedWrapperFile: f.wrapperFile,
		CodeFile:               ctx.Artifacts()[0],
	})
	if err != nil {
		f.cache.Unregister(key, executionID)
		return nil, err
	}

	logName := strings.ReplaceAll(cfg.Details.FullyQualifiedName(), "/", "-")
	rt := &Runtime{
		cfg:     cfg,
		execID:  executionID,
		args:    args,
		environ: append(os.Environ(), runtime.ComposeEnv(cfg)...),
		logPath: filepath.Join(f.logDir, fmt.Sprintf("%s-%d.log", logName, cfg.InstanceID)),
	}
	rt.proc = newProcHandle(rt.args, rt.environ, rt.logPath)

	f.runtimes.Set(cfg.InstanceKey(), rt)
	prom.InstancesCreated.WithLabelValues(string(runtime.BackendProcess)).Inc()
	zap.S().Infow("process instance created", "function", key, "instance", cfg.InstanceID, "args", args)
	return rt, nil
}

func (f *Factory) ReleaseInstance(cfg *instance.Config) error {
	raw, ok := f.runtimes.Pop(cfg.InstanceKey())
	if !ok {
		return nil
	}
	rt := raw.(*Runtime)
	if err := rt.Stop(); err != nil {
		zap.S().Warnw("process instance stop failed", "instance", cfg.InstanceKey(), "err", err)
	}
	f.cache.Unregister(cfg.Details.Key(), rt.execID)
	prom.InstancesReleased.WithLabelValues(string(runtime.BackendProcess)).Inc()
	return nil
}

func (f *Factory) Close() error {
	for item := range f.runtimes.IterBuffered() {
		rt := item.Val.(*Runtime)
		_ = rt.Stop()
		f.cache.Unregister(rt.cfg.Details.Key(), rt.execID)
		f.runtimes.Remove(item.Key)
	}
	f.cache.Close()
	return nil
}

// Cache exposes the factory's dependency cache for introspection.
func (f *Factory) Cache() funccache.Manager { return f.cache }

// Runtime is one supervised child process.
type Runtime struct {
	cfg     *instance.Config
	execID  string
	args    []string
	environ []string
	logPath string

	mu          sync.Mutex
	proc        procHandle
	running     bool
	startedAt   time.Time
	lastHealthy time.Time
}

func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if err := r.proc.Start(); err != nil {
		return &errorutils.BackendUnavailableError{Backend: string(runtime.BackendProcess), Cause: err}
	}
	r.running = true
	r.startedAt = time.Now()
	zap.S().Infow("process instance started", "instance", r.cfg.InstanceKey())
	return nil
}

func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	return r.proc.Stop()
}

func (r *Runtime) Restart() error {
	if err := r.Stop(); err != nil {
		return err
	}
	r.mu.Lock()
	r.proc = newProcHandle(r.args, r.environ, r.logPath)
	r.mu.Unlock()
	return r.Start()
}

func (r *Runtime) HealthCheck() error {
	r.mu.Lock()
	proc := r.proc
	running := r.running
	port := r.cfg.Port
	r.mu.Unlock()
	if !running {
		return errors.New("process instance is not running")
	}
	if !proc.Alive() {
		return errors.New("instance process has exited")
	}
	if port > 0 {
		resp, err := controlClient.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return fmt.Errorf("control endpoint unreachable: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("control endpoint returned %d", resp.StatusCode)
		}
	}
	r.mu.Lock()
	r.lastHealthy = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *Runtime) Stats() (*runtime.InstanceStats, error) {
	r.mu.Lock()
	proc := r.proc
	running := r.running
	port := r.cfg.Port
	local := runtime.InstanceStats{
		Running:          running,
		StartedAt:        r.startedAt,
		LastHealthyCheck: r.lastHealthy,
	}
	r.mu.Unlock()
	if !running || !proc.Alive() {
		local.Running = false
		return &local, nil
	}
	if port == 0 {
		return &local, nil
	}
	resp, err := controlClient.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/stats", port))
	if err != nil {
		return &local, nil
	}
	defer resp.Body.Close()
	var remote runtime.InstanceStats
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return &local, nil
	}
	return &remote, nil
}

func (r *Runtime) ExecutionID() string { return r.execID }
