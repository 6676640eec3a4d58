package steerd

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/steerd/steerd/config"
)

// startStats wires the go-metrics registry to the configured sink. The
// per-entry counters are registered as functional gauges in registerMetrics
// so the sinks read the same atomics the hot path writes.
func startStats(l *logrus.Logger, c *config.C, buildVersion string, configTest bool) (func(), error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return nil, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var startFn func()
	switch mType {
	case "graphite":
		err := startGraphiteStats(l, interval, c, configTest)
		if err != nil {
			return nil, err
		}
	case "prometheus":
		var err error
		startFn, err = startPrometheusStats(l, interval, c, buildVersion, configTest)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", mType)
	}

	metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

	go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, interval)
	go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)

	return startFn, nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C, configTest bool) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "steerd")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	if !configTest {
		l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
		go graphite.Graphite(metrics.DefaultRegistry, i, prefix, addr)
	}

	return nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, buildVersion string, configTest bool) (func(), error) {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return nil, fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, pr, i)
	if !configTest {
		go pClient.UpdatePrometheusMetrics()
	}

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the steerd binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	var startFn func()
	if !configTest {
		startFn = func() {
			l.Infof("Prometheus stats listening on %s at %s", listen, path)
			http.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
			log.Fatal(http.ListenAndServe(listen, nil))
		}
	}

	return startFn, nil
}

// registerMetrics exposes the redirect map's counters through the metrics
// registry as functional gauges backed directly by the hot-path atomics.
// Every terminal bucket is exported so a sink can balance the accounting
// identity without asking the process.
func registerMetrics(r metrics.Registry, m *Map, sources []*Source) {
	for _, e := range m.Entries() {
		e := e
		prefix := fmt.Sprintf("entry.%d.", e.ID)
		gauge := func(name string, f func() int64) {
			metrics.NewRegisteredFunctionalGauge(prefix+name, r, f)
		}
		gauge("queue_depth", func() int64 { return int64(e.QueueLen()) })
		gauge("enqueued", func() int64 { return int64(e.stats.Enqueued.Load()) })
		gauge("delivered", func() int64 { return int64(e.stats.Delivered.Load()) })
		gauge("dropped_full", func() int64 { return int64(e.stats.DroppedFull.Load()) })
		gauge("hook_drops", func() int64 { return int64(e.stats.HookDrops.Load()) })
		gauge("invalid_redirect", func() int64 { return int64(e.stats.InvalidRedirect.Load()) })
		gauge("transmitted", func() int64 { return int64(e.stats.Transmitted.Load()) })
		gauge("delivery_failed", func() int64 { return int64(e.stats.DeliveryFailed.Load()) })
		gauge("dropped_on_shutdown", func() int64 { return int64(e.stats.DroppedOnShutdown.Load()) })
		gauge("redirected", func() int64 { return int64(e.stats.Redirected.Load()) })
	}

	metrics.NewRegisteredFunctionalGauge("map.invalid_redirects", r,
		func() int64 { return int64(m.InvalidRedirects()) })

	for _, s := range sources {
		s := s
		prefix := fmt.Sprintf("source.%d.", s.id)
		gauge := func(name string, f func() int64) {
			metrics.NewRegisteredFunctionalGauge(prefix+name, r, f)
		}
		gauge("admitted", func() int64 { return int64(s.stats.Admitted.Load()) })
		gauge("passed", func() int64 { return int64(s.stats.Passed.Load()) })
		gauge("transmitted", func() int64 { return int64(s.stats.Transmitted.Load()) })
		gauge("dropped", func() int64 { return int64(s.stats.Dropped.Load()) })
		gauge("redirected", func() int64 { return int64(s.stats.Redirected.Load()) })
		gauge("cycles", func() int64 { return int64(s.stats.Cycles.Load()) })
	}
}
