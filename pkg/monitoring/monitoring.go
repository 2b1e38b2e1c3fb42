package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/crossview/crossview/pkg/config"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/network/httpx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Monitoring struct {
	conf   config.Monitoring
	log    *logger.Logger
	server *httpx.Server
}

// New creates a new monitoring service with Prometheus metrics and
// optional pprof handlers.
func New(conf config.Monitoring, log *logger.Logger) (*Monitoring, error) {
	h := http.NewServeMux()

	if conf.ProfilingEnabled {
		prefix := conf.URLPrefix + "/debug/pprof"
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		h.Handle(prefix+"/allocs", pprof.Handler("allocs"))
		h.Handle(prefix+"/block", pprof.Handler("block"))
		h.Handle(prefix+"/goroutine", pprof.Handler("goroutine"))
		h.Handle(prefix+"/heap", pprof.Handler("heap"))
		h.Handle(prefix+"/mutex", pprof.Handler("mutex"))
		h.Handle(prefix+"/threadcreate", pprof.Handler("threadcreate"))
		log.Info().Msgf("Profiling is enabled at :%d%s", conf.Port, prefix)
	}

	if conf.MetricEnabled {
		metricPath := conf.URLPrefix + "/metrics"
		h.Handle(metricPath, promhttp.Handler())
		log.Info().Msgf("Prometheus metrics are enabled at :%d%s", conf.Port, metricPath)
	}

	server, err := httpx.NewServer(fmt.Sprintf(":%d", conf.Port), h, log)
	if err != nil {
		return nil, err
	}
	return &Monitoring{conf: conf, log: log, server: server}, nil
}

func (m *Monitoring) Run() { m.server.Run() }

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Debug().Msg("Shutting down monitoring server")
	return m.server.Stop(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
