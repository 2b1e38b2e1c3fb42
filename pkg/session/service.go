package session

import (
	"context"
	"fmt"
	"time"

	"github.com/crossview/crossview/pkg/logger"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Controller abstracts the container lifecycle operations the service
// drives. Stop reports false only on a genuine stop failure; an
// already-absent container counts as stopped.
type Controller interface {
	Provision(ctx context.Context, sessionID, variant string) (containerID, endpoint string, vncPort int, err error)
	Stop(ctx context.Context, sessionID string) bool
}

var (
	metricCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossview_sessions_created_total",
		Help: "Number of session create requests by outcome.",
	}, []string{"result"})
	metricActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossview_sessions_active",
		Help: "Number of sessions currently running.",
	})
	metricExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossview_sessions_expired_total",
		Help: "Number of sessions stopped by the idle sweep.",
	})
)

// Service orchestrates the session lifecycle contract: create, get,
// stop, list, and the periodic idle sweep.
type Service struct {
	registry *Registry
	ctrl     Controller
	log      *logger.Logger
}

func NewService(registry *Registry, ctrl Controller, log *logger.Logger) *Service {
	return &Service{registry: registry, ctrl: ctrl, log: log}
}

// Create provisions a new browser session. On any partial failure the
// session is left in the error state with its environment rolled back,
// never in a dangling running state.
func (s *Service) Create(ctx context.Context, variant string) (Session, error) {
	if !KnownBrowser(variant) {
		metricCreated.WithLabelValues("rejected").Inc()
		return Session{}, fmt.Errorf("%w %q", ErrUnknownBrowser, variant)
	}
	now := time.Now()
	sess := Session{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Browser:      variant,
		Status:       Pending,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.registry.Create(sess); err != nil {
		metricCreated.WithLabelValues("error").Inc()
		return Session{}, fmt.Errorf("register session: %w", err)
	}
	log := s.log.Extend(s.log.With().Str("sid", sess.ID))

	containerID, endpoint, vncPort, err := s.ctrl.Provision(ctx, sess.ID, variant)
	if err != nil {
		s.fail(sess.ID)
		metricCreated.WithLabelValues("error").Inc()
		return Session{}, fmt.Errorf("provision: %w", err)
	}

	c := Container{
		ID:         containerID,
		SessionID:  sess.ID,
		Browser:    variant,
		Status:     "running",
		VncPort:    vncPort,
		CreatedAt:  now,
		LastHealth: now,
	}
	if err := s.registry.Attach(sess.ID, c, endpoint); err != nil {
		// environment is up but the registry write failed: roll it back
		log.Error().Err(err).Msg("attach failed, rolling back container")
		s.ctrl.Stop(ctx, sess.ID)
		s.fail(sess.ID)
		metricCreated.WithLabelValues("error").Inc()
		return Session{}, fmt.Errorf("attach session: %w", err)
	}

	metricCreated.WithLabelValues("ok").Inc()
	metricActive.Inc()
	log.Info().Msgf("session is running at %s", endpoint)
	return s.registry.Get(sess.ID)
}

func (s *Service) Get(id string) (Session, error) { return s.registry.Get(id) }

func (s *Service) List() ([]Session, error) { return s.registry.List() }

// Touch defers idle expiry for the session.
func (s *Service) Touch(id string) { _ = s.registry.Touch(id, time.Now()) }

// Container returns the session's environment record.
func (s *Service) Container(id string) (Container, error) { return s.registry.GetContainer(id) }

// RecordHealth stores the latest resource snapshot for the session's
// environment. Failures only cost freshness, so they are dropped.
func (s *Service) RecordHealth(id string, cpu, mem int64) {
	_ = s.registry.RecordHealth(id, cpu, mem, time.Now())
}

// Stop tears the session's environment down and marks it stopped.
// A session already in a terminal state has nothing left to release,
// so stopping it again is a no-op success.
func (s *Service) Stop(ctx context.Context, id string) error {
	sess, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if !s.ctrl.Stop(ctx, id) {
		return fmt.Errorf("stop container for session %s", id)
	}
	if err := s.registry.SetStatus(id, Stopped); err != nil {
		return err
	}
	if sess.Status == Running {
		metricActive.Dec()
	}
	return nil
}

// Sweep stops sessions that have been idle longer than the threshold.
// One session's failure never aborts the sweep.
func (s *Service) Sweep(ctx context.Context, idleAfter time.Duration) int {
	idle, err := s.registry.IdleSince(time.Now().Add(-idleAfter))
	if err != nil {
		s.log.Error().Err(err).Msg("idle sweep query")
		return 0
	}
	stopped := 0
	for _, sess := range idle {
		log := s.log.Extend(s.log.With().Str("sid", sess.ID))
		if !s.ctrl.Stop(ctx, sess.ID) {
			log.Error().Msg("idle sweep could not stop container")
			continue
		}
		if err := s.registry.SetStatus(sess.ID, Stopped); err != nil {
			log.Error().Err(err).Msg("idle sweep status update")
			continue
		}
		metricExpired.Inc()
		metricActive.Dec()
		stopped++
		log.Info().Msgf("expired after %v of inactivity", time.Since(sess.LastActivity).Round(time.Minute))
	}
	return stopped
}

// fail flags the session as failed; the error state is terminal, so a
// failure to record it is only logged.
func (s *Service) fail(id string) {
	if err := s.registry.SetStatus(id, Error); err != nil {
		s.log.Error().Err(err).Msgf("couldn't mark session %s failed", id)
	}
}
