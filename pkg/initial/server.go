package initial

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streamfn/orchestrator/pkg/dto"
	"github.com/streamfn/orchestrator/pkg/instance"
	"github.com/streamfn/orchestrator/pkg/prom"
	"github.com/streamfn/orchestrator/pkg/runtime"
	"github.com/streamfn/orchestrator/pkg/trace"
	"go.uber.org/zap"
)

// InstanceServer serves the control API of one running instance. Invocations
// are classified exactly once each, the counters feed /v1/stats and the
// backend health probes.
type InstanceServer struct {
	cfg       *instance.Config
	invoker   *instance.Invoker
	startedAt time.Time

	invocations int64
	userErrors  int64
	timeouts    int64
}

func NewInstanceServer(cfg *instance.Config, invoker *instance.Invoker) *InstanceServer {
	return &InstanceServer{cfg: cfg, invoker: invoker, startedAt: time.Now()}
}

// RegisterRoutes registers the instance control routes.
func RegisterRoutes(r *gin.Engine, srv *InstanceServer) {
	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"PUT", "POST", "GET", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		MaxAge: 12 * time.Hour,
	}))
	pprof.Register(r)
	v1 := r.Group("/v1")
	{
		v1.POST("/invoke", srv.Invoke)
		v1.GET("/stats", srv.Stats)
	}
	r.GET("/healthz", srv.Healthz)
	r.GET("/metrics", prometheusHandler())
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Invoke runs one invocation through the bounded invoker.
func (srv *InstanceServer) Invoke(c *gin.Context) {
	var request dto.InvokeRequest
	if err := c.BindJSON(&request); err != nil {
		zap.S().Errorw("invoke bind json error", "err", err)
		c.JSON(400, dto.InvokeResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	fqn := srv.cfg.Details.FullyQualifiedName()
	span, finish := trace.SpanFromHeaders(fqn, c.Request.Header)
	defer finish()
	span.SetTag("invocation.id", request.ID)

	start := time.Now()
	res := srv.invoker.HandleMessage(request.ID, request.Payload)
	atomic.AddInt64(&srv.invocations, 1)
	switch {
	case res.TimeoutError != nil:
		atomic.AddInt64(&srv.timeouts, 1)
		prom.Invocations.WithLabelValues(fqn, prom.ResultTimeout).Inc()
		c.JSON(500, dto.InvokeResponse{
			Success: false,
			Message: res.TimeoutError.Error(),
		})
		return
	case res.UserError != nil:
		atomic.AddInt64(&srv.userErrors, 1)
		prom.Invocations.WithLabelValues(fqn, prom.ResultUserError).Inc()
		c.JSON(500, dto.InvokeResponse{
			Success: false,
			Message: res.UserError.Error(),
		})
		return
	}
	prom.Invocations.WithLabelValues(fqn, prom.ResultSuccess).Inc()
	prom.InvocationDuration.WithLabelValues(fqn).Observe(time.Since(start).Seconds())

	var result json.RawMessage
	if res.Result != nil {
		raw, err := srv.invoker.SerializeOutput(res.Result)
		if err != nil {
			zap.S().Errorw("serialize output error", "function", fqn, "err", err)
			c.JSON(500, dto.InvokeResponse{
				Success: false,
				Message: err.Error(),
			})
			return
		}
		result = resultJSON(raw)
	}
	c.JSON(200, dto.InvokeResponse{
		Success: true,
		Message: "ok",
		Result:  result,
	})
}

// resultJSON embeds the serialized result into the response body. Non-JSON
// serde output is carried as a JSON string.
func resultJSON(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return json.RawMessage(quoted)
}

func (srv *InstanceServer) Healthz(c *gin.Context) {
	c.JSON(200, dto.HealthResponse{Status: "ok"})
}

// Stats reports the point-in-time instance view the backends poll.
func (srv *InstanceServer) Stats(c *gin.Context) {
	c.JSON(200, runtime.InstanceStats{
		Running:          true,
		StartedAt:        srv.startedAt,
		Invocations:      atomic.LoadInt64(&srv.invocations),
		UserErrors:       atomic.LoadInt64(&srv.userErrors),
		Timeouts:         atomic.LoadInt64(&srv.timeouts),
		LastHealthyCheck: time.Now(),
	})
}
