package trace

import (
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
	"github.com/uber/jaeger-client-go"
	tracerconfig "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

// Init installs the global jaeger tracer. Skipped when no agent is
// configured, leaving the opentracing noop tracer in place.
func Init() {
	hostPort := viper.GetString(env.TraceAgentHostPort)
	if hostPort == "" {
		zap.S().Debugw("no trace agent configured, spans stay local")
		return
	}
	cfg := &tracerconfig.Configuration{}
	cfg.Sampler = &tracerconfig.SamplerConfig{
		Type:  jaeger.SamplerTypeConst,
		Param: 1.0,
	}
	zap.S().Infow("use jaeger agent host and port", "HostAndPort", hostPort)
	cfg.Reporter = &tracerconfig.ReporterConfig{
		QueueSize:           100,
		BufferFlushInterval: 1 * time.Millisecond,
		LogSpans:            false,
		LocalAgentHostPort:  hostPort,
	}

	// closer ignored, the tracer lives until the instance is reclaimed
	if _, err := cfg.InitGlobalTracer("streamfn"); err != nil {
		panic(err)
	}
}

// SpanFromHeaders resumes the inbound trace for one invocation, starting a
// fresh root when the request carries no span context. The returned finish
// func must run when the invocation ends.
func SpanFromHeaders(operation string, header http.Header) (opentracing.Span, func()) {
	carrier := opentracing.HTTPHeadersCarrier(header)
	parent, err := opentracing.GlobalTracer().Extract(opentracing.HTTPHeaders, carrier)
	var span opentracing.Span
	if err != nil {
		if err != opentracing.ErrSpanContextNotFound {
			zap.S().Warnw("trace context extract failed", "err", err)
		}
		span = opentracing.GlobalTracer().StartSpan(operation)
	} else {
		span = opentracing.GlobalTracer().StartSpan(operation, opentracing.ChildOf(parent))
	}
	return span, span.Finish
}
