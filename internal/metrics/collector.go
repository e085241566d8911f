// Package metrics shepherd 和 herd-agent 的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 指标收集器
// 每个 Collector 持有自己的 registry，测试里可以并存多个实例
// 所有方法对 nil 接收者安全，组件可以不带指标运行
type Collector struct {
	registry *prometheus.Registry

	// 发现
	agentsLive       prometheus.Gauge
	datagramsDropped *prometheus.CounterVec

	// 派发
	jobsDispatched *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	unitsFinished  *prometheus.CounterVec
	unitsRequeued  prometheus.Counter

	// 传输
	bytesTransferred *prometheus.CounterVec

	// agent 侧
	tasksExecuted *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.agentsLive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_live",
		Help:      "Number of herd agents that answered within the liveness window",
	})
	c.datagramsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_datagrams_dropped_total",
			Help:      "Discovery datagrams that could not be parsed",
		},
		[]string{"reason"},
	)

	c.jobsDispatched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs sent to herd agents by transfer result",
		},
		[]string{"result"},
	)
	c.jobDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from connect to the end of the job result",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
	c.unitsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_finished_total",
			Help:      "Experimental units that reached a final state",
		},
		[]string{"state"},
	)
	c.unitsRequeued = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_requeued_total",
		Help:      "Experimental units put back in the pending list after a transfer failure",
	})

	c.bytesTransferred = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File payload bytes moved over job connections",
		},
		[]string{"direction"},
	)

	c.tasksExecuted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Tasks run by this herd agent",
		},
		[]string{"result"},
	)

	return c
}

// Handler /metrics 端点
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 暴露给测试
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) SetAgentsLive(n int) {
	if c == nil {
		return
	}
	c.agentsLive.Set(float64(n))
}

func (c *Collector) DatagramDropped(reason string) {
	if c == nil {
		return
	}
	c.datagramsDropped.WithLabelValues(reason).Inc()
}

// RecordJob 记录一次 job 传输；result 为 ok / failed / canceled
func (c *Collector) RecordJob(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsDispatched.WithLabelValues(result).Inc()
	c.jobDuration.Observe(d.Seconds())
}

func (c *Collector) UnitFinished(state string) {
	if c == nil {
		return
	}
	c.unitsFinished.WithLabelValues(state).Inc()
}

func (c *Collector) UnitRequeued() {
	if c == nil {
		return
	}
	c.unitsRequeued.Inc()
}

// AddBytes direction 为 sent / received
func (c *Collector) AddBytes(direction string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func (c *Collector) TaskExecuted(result string) {
	if c == nil {
		return
	}
	c.tasksExecuted.WithLabelValues(result).Inc()
}

// Serve 在后台启动 /metrics，返回的 server 由调用方 Shutdown
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		c.logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
