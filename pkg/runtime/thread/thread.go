// Package thread runs compiled function instances inside the orchestrator
// process itself, sharing loaded plugins through the dependency cache. It is
// the cheapest backend and the only one with no isolation boundary.
package thread

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/xid"
	"github.com/streamfn/orchestrator/pkg/funccache"
	"github.com/streamfn/orchestrator/pkg/function"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/prom"
	"github.com/streamfn/orchestrator/pkg/runtime"
	"github.com/streamfn/orchestrator/pkg/tools/errorutils"
	"go.uber.org/zap"
)

// NewContextBuilder is injectable for tests that cannot compile real plugins.
var NewContextBuilder = func() funccache.ContextBuilder {
	return funccache.PluginContextBuilder
}

// Factory realizes instances as goroutine-backed runtimes in this process.
type Factory struct {
	cache    funccache.Manager
	runtimes cmap.ConcurrentMap
}

func NewFactory() *Factory {
	return &Factory{
		cache:    funccache.NewManager(NewContextBuilder()),
		runtimes: cmap.New(),
	}
}

func (f *Factory) ExternallyManaged() bool { return false }

func (f *Factory) AdmissionCheck(details *function.Details) error {
	if details.Runtime != function.KindCompiled {
		return &errorutils.UnsupportedRuntimeKindError{
			Kind:    string(details.Runtime),
			Backend: string(runtime.BackendThread),
		}
	}
	if details.Entrypoint == "" {
		return &errorutils.AdmissionRejectedError{Reason: "compiled functions must declare an entrypoint symbol"}
	}
	return nil
}

func (f *Factory) CreateInstance(cfg *instance.Config) (runtime.Runtime, error) {
	if err := f.AdmissionCheck(cfg.Details); err != nil {
		return nil, err
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
	sym, err := ctx.Lookup(cfg.Details.Entrypoint)
	if err != nil {
		f.cache.Unregister(key, executionID)
		return nil, &errorutils.DependencyResolutionError{URI: cfg.Details.Entrypoint, Cause: err}
	}
	invoker, err := instance.NewInvoker(cfg.Details, sym)
	if err != nil {
		f.cache.Unregister(key, executionID)
		return nil, err
	}
	rt := &Runtime{
		cfg:     cfg,
		invoker: invoker,
		execID:  executionID,
	}
	f.runtimes.Set(cfg.InstanceKey(), rt)
	prom.InstancesCreated.WithLabelValues(string(runtime.BackendThread)).Inc()
	zap.S().Infow("thread instance created", "function", key, "instance", cfg.InstanceID)
	return rt, nil
}

func (f *Factory) ReleaseInstance(cfg *instance.Config) error {
	raw, ok := f.runtimes.Pop(cfg.InstanceKey())
	if !ok {
		return nil
	}
	rt := raw.(*Runtime)
	if err := rt.Stop(); err != nil {
		zap.S().Warnw("thread instance stop failed", "instance", cfg.InstanceKey(), "err", err)
	}
	f.cache.Unregister(cfg.Details.Key(), rt.execID)
	prom.InstancesReleased.WithLabelValues(string(runtime.BackendThread)).Inc()
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

// Runtime is one in-process instance. Invocations run through the bounded
// invoker; Start and Stop only flip serving state, the plugin itself stays
// loaded for the cache's lifetime.
type Runtime struct {
	cfg     *instance.Config
	invoker *instance.Invoker
	execID  string

	mu        sync.Mutex
	running   bool
	startedAt time.Time

	invocations int64
	userErrors  int64
	timeouts    int64
}

func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.startedAt = time.Now()
	return nil
}

func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	return nil
}

func (r *Runtime) Restart() error {
	if err := r.Stop(); err != nil {
		return err
	}
	return r.Start()
}

func (r *Runtime) HealthCheck() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return errors.New("thread instance is not running")
	}
	return nil
}

// Invoke runs one message through the instance.
func (r *Runtime) Invoke(id string, payload []byte) (*instance.ExecutionResult, error) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return nil, errors.New("thread instance is not running")
	}

	start := time.Now()
	res := r.invoker.HandleMessage(id, payload)
	atomic.AddInt64(&r.invocations, 1)
	fqn := r.cfg.Details.FullyQualifiedName()
	switch {
	case res.TimeoutError != nil:
		atomic.AddInt64(&r.timeouts, 1)
		prom.Invocations.WithLabelValues(fqn, prom.ResultTimeout).Inc()
	case res.UserError != nil:
		atomic.AddInt64(&r.userErrors, 1)
		prom.Invocations.WithLabelValues(fqn, prom.ResultUserError).Inc()
	default:
		prom.Invocations.WithLabelValues(fqn, prom.ResultSuccess).Inc()
		prom.InvocationDuration.WithLabelValues(fqn).Observe(time.Since(start).Seconds())
	}
	return res, nil
}

func (r *Runtime) Stats() (*runtime.InstanceStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &runtime.InstanceStats{
		Running:     r.running,
		StartedAt:   r.startedAt,
		Invocations: atomic.LoadInt64(&r.invocations),
		UserErrors:  atomic.LoadInt64(&r.userErrors),
		Timeouts:    atomic.LoadInt64(&r.timeouts),
	}, nil
}

func (r *Runtime) ExecutionID() string { return r.execID }
