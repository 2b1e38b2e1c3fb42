// Package rtc owns the lifetime of per-session peer connections and
// binds each one to its session's video producer.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crossview/crossview/pkg/com"
	"github.com/crossview/crossview/pkg/config"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/media"
	"github.com/crossview/crossview/pkg/network"
	"github.com/crossview/crossview/pkg/vnc"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	pion "github.com/pion/webrtc/v3"
)

// ErrInvalidOffer rejects signaling payloads that do not carry a
// well-formed SDP offer.
var ErrInvalidOffer = errors.New("invalid offer")

// CandidateSender pushes a local ICE candidate back over signaling.
type CandidateSender func(pion.ICECandidateInit)

var metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "crossview_peers_active",
	Help: "Number of live peer connections.",
})

// Peer bundles one session's connection with its media pipeline.
// Teardown runs once no matter how many paths race into it.
type Peer struct {
	sessionID string
	conn      *pion.PeerConnection
	producer  *media.Producer
	cancel    context.CancelFunc
	log       *logger.Logger
	once      sync.Once
}

// teardown releases the peer's resources independently: a failed
// connection close never blocks the capture shutdown.
func (p *Peer) teardown() {
	p.once.Do(func() {
		p.cancel()
		if err := p.conn.Close(); err != nil {
			p.log.Error().Err(err).Msg("peer close")
		}
		p.producer.Stop()
		metricPeers.Dec()
	})
}

func (p *Peer) stream(ctx context.Context, track *pion.TrackLocalStaticSample) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f := p.producer.Next()
		if f.Data == nil {
			continue
		}
		if err := track.WriteSample(pionmedia.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
			p.log.Debug().Err(err).Msg("sample write")
		}
	}
}

// Manager keeps at most one live peer per session and supersedes the
// old one whenever a new offer arrives for the same session.
type Manager struct {
	factory *ApiFactory
	clients *vnc.Store
	media   config.Media
	log     *logger.Logger

	connect    func(ctx context.Context, sessionID, endpoint string) media.Source
	newEncoder media.EncoderFactory

	mu    sync.Mutex
	peers *com.Map[string, *Peer]
}

func NewManager(factory *ApiFactory, clients *vnc.Store, mediaConf config.Media, vncConf config.Vnc, log *logger.Logger) *Manager {
	policy := network.Policy{Attempts: vncConf.Connect.Attempts, Delay: vncConf.Connect.Interval}
	return &Manager{
		factory: factory,
		clients: clients,
		media:   mediaConf,
		log:     log,
		connect: func(ctx context.Context, sessionID, endpoint string) media.Source {
			return vnc.Connect(ctx, sessionID, endpoint, vncConf.Secret, policy, clients, log)
		},
		newEncoder: media.NewH264Encoder,
		peers:      com.NewMap[string, *Peer](),
	}
}

// HandleOffer builds a peer connection answering the given offer and
// wires the session's framebuffer into its video track. An existing
// peer for the session is torn down and awaited first, so the session
// never has two capture clients alive at once.
func (m *Manager) HandleOffer(sessionID, endpoint string, offer pion.SessionDescription, send CandidateSender) (pion.SessionDescription, error) {
	if offer.Type != pion.SDPTypeOffer || offer.SDP == "" {
		return pion.SessionDescription{}, ErrInvalidOffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.peers.Pop(sessionID); ok {
		m.log.Info().Str("sid", sessionID).Msg("superseding peer")
		old.teardown()
	}

	conn, err := m.factory.NewPeer()
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("peer connection: %w", err)
	}
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", "crossview-video")
	if err != nil {
		_ = conn.Close()
		return pion.SessionDescription{}, err
	}
	if _, err = conn.AddTrack(track); err != nil {
		_ = conn.Close()
		return pion.SessionDescription{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	producer := media.NewProducer(m.media,
		func() media.Source { return m.connect(ctx, sessionID, endpoint) },
		m.newEncoder,
		m.log.Extend(m.log.With().Str("sid", sessionID)),
	)
	p := &Peer{
		sessionID: sessionID,
		conn:      conn,
		producer:  producer,
		cancel:    cancel,
		log:       m.log.Extend(m.log.With().Str("sid", sessionID)),
	}
	metricPeers.Inc()

	conn.OnICECandidate(func(c *pion.ICECandidate) {
		if c != nil {
			send(c.ToJSON())
		}
	})
	conn.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug().Msgf("peer state %s", state)
		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed, pion.PeerConnectionStateDisconnected:
			m.drop(p)
		}
	})

	if err = conn.SetRemoteDescription(offer); err != nil {
		p.teardown()
		return pion.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		p.teardown()
		return pion.SessionDescription{}, err
	}
	if err = conn.SetLocalDescription(answer); err != nil {
		p.teardown()
		return pion.SessionDescription{}, err
	}

	go p.stream(ctx, track)
	m.peers.Put(sessionID, p)
	return answer, nil
}

// AddCandidate feeds a remote candidate to the session's peer.
// Candidates for sessions without a peer are dropped quietly since
// signaling and teardown race by nature.
func (m *Manager) AddCandidate(sessionID string, candidate pion.ICECandidateInit) {
	p, err := m.peers.Find(sessionID)
	if err != nil {
		m.log.Debug().Str("sid", sessionID).Msg("candidate for absent peer")
		return
	}
	if err := p.conn.AddICECandidate(candidate); err != nil {
		p.log.Warn().Err(err).Msg("remote candidate")
	}
}

// Cleanup tears down the session's peer, if any. Idempotent.
func (m *Manager) Cleanup(sessionID string) {
	m.mu.Lock()
	p, ok := m.peers.Pop(sessionID)
	m.mu.Unlock()
	if ok {
		p.teardown()
	}
}

// drop removes the given peer only if it is still the session's
// current one, so a state callback from a superseded connection can
// never take its replacement down with it.
func (m *Manager) drop(p *Peer) {
	m.mu.Lock()
	if cur, err := m.peers.Find(p.sessionID); err == nil && cur == p {
		m.peers.Remove(p.sessionID)
	}
	m.mu.Unlock()
	p.teardown()
}

// Shutdown closes every live peer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var all []*Peer
	m.peers.ForEach(func(_ string, p *Peer) { all = append(all, p) })
	for _, p := range all {
		m.peers.Remove(p.sessionID)
	}
	m.mu.Unlock()
	for _, p := range all {
		p.teardown()
	}
}
