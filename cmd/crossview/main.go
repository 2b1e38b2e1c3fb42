package main

import (
	"context"
	"time"

	"github.com/crossview/crossview/pkg/api"
	"github.com/crossview/crossview/pkg/config"
	"github.com/crossview/crossview/pkg/container"
	"github.com/crossview/crossview/pkg/input"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/monitoring"
	"github.com/crossview/crossview/pkg/network/httpx"
	"github.com/crossview/crossview/pkg/os"
	"github.com/crossview/crossview/pkg/relay"
	"github.com/crossview/crossview/pkg/rtc"
	"github.com/crossview/crossview/pkg/session"
	"github.com/crossview/crossview/pkg/vnc"
)

var Version = "?"

func main() {
	conf := config.NewConfig()
	conf.ParseFlags()
	cv := conf.Crossview

	log := logger.NewConsole(cv.Debug, "cv", false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	registry, err := session.OpenRegistry(cv.Registry.Dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("session registry")
	}
	defer func() { _ = registry.Close() }()

	ctrl, err := container.NewController(cv.Containers, cv.Vnc.Secret, log)
	if err != nil {
		log.Fatal().Err(err).Msg("container controller")
	}
	sessions := session.NewService(registry, ctrl, log)

	factory, err := rtc.NewApiFactory(cv.Webrtc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}
	clients := vnc.NewStore()
	peers := rtc.NewManager(factory, clients, cv.Media, cv.Vnc, log)
	signaling := relay.NewRelay(sessions, peers, input.NewTranslator(clients, log), log)

	server, err := httpx.NewServer(cv.Server.Address, api.New(sessions, ctrl, signaling, log).Router(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
	server.Run()

	var mon *monitoring.Monitoring
	if cv.Monitoring.IsEnabled() {
		if mon, err = monitoring.New(cv.Monitoring, log); err != nil {
			log.Fatal().Err(err).Msg("monitoring server")
		}
		mon.Run()
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweep(sweepCtx, sessions, cv.Sessions, log)

	<-os.ExpectTermination()
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if mon != nil {
		if err := mon.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("monitoring shutdown")
		}
	}
	peers.Shutdown()
	ctrl.StopAll(ctx)
	log.Info().Msg("bye")
}

// sweep periodically stops sessions idle past the configured
// threshold.
func sweep(ctx context.Context, sessions *session.Service, conf config.Sessions, log *logger.Logger) {
	every := conf.SweepEvery
	if every <= 0 {
		every = 30 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(ctx, conf.IdleAfter); n > 0 {
				log.Info().Msgf("idle sweep stopped %d sessions", n)
			}
		}
	}
}
