// Package relay runs the per-session signaling channel: one long
// lived websocket carrying negotiation and input envelopes.
package relay

import (
	"errors"
	"net/http"
	"sync"

	"github.com/crossview/crossview/pkg/input"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/network/websocket"
	"github.com/crossview/crossview/pkg/rtc"
	"github.com/crossview/crossview/pkg/session"
	pion "github.com/pion/webrtc/v3"
)

// Sessions is the registry contract the relay needs: resolve a
// session on channel open and defer its idle expiry on input.
type Sessions interface {
	Get(id string) (session.Session, error)
	Touch(id string)
}

// Peers is the negotiation surface of the peer session manager.
type Peers interface {
	HandleOffer(sessionID, endpoint string, offer pion.SessionDescription, send rtc.CandidateSender) (pion.SessionDescription, error)
	AddCandidate(sessionID string, candidate pion.ICECandidateInit)
	Cleanup(sessionID string)
}

type Relay struct {
	sessions Sessions
	peers    Peers
	inputs   *input.Translator
	log      *logger.Logger
}

func NewRelay(sessions Sessions, peers Peers, inputs *input.Translator, log *logger.Logger) *Relay {
	return &Relay{sessions: sessions, peers: peers, inputs: inputs, log: log}
}

// Handle upgrades the request and serves the session's signaling
// channel until either side closes it. Channels for unknown sessions
// or sessions without an assigned endpoint are closed with a policy
// violation right after the handshake. Whatever ends the channel,
// peer cleanup runs exactly once as the last action.
func (r *Relay) Handle(w http.ResponseWriter, req *http.Request, sessionID string) {
	log := r.log.Extend(r.log.With().Str("sid", sessionID))
	ws, err := websocket.NewServer(w, req, log)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	sess, err := r.sessions.Get(sessionID)
	if err != nil || sess.Endpoint == "" {
		log.Warn().Msg("signaling for unknown or not ready session")
		ws.Close(websocket.CloseViolation, "session not available")
		return
	}

	var cleanup sync.Once
	defer cleanup.Do(func() { r.peers.Cleanup(sessionID) })

	ws.OnMessage = func(raw []byte) { r.dispatch(ws, sessionID, sess.Endpoint, raw, log) }
	ws.Listen()
	log.Info().Msg("signaling channel open")
	<-ws.Done
	log.Info().Msg("signaling channel closed")
}

func (r *Relay) dispatch(ws *websocket.WS, sessionID, endpoint string, raw []byte, log *logger.Logger) {
	msg, err := Parse(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			log.Warn().Err(err).Msg("skipping signaling message")
		} else {
			log.Warn().Err(err).Msg("bad signaling message")
		}
		return
	}
	switch msg.Type {
	case TypeOffer:
		answer, err := r.peers.HandleOffer(sessionID, endpoint, msg.Offer,
			func(c pion.ICECandidateInit) { ws.Write(EncodeCandidate(c)) })
		if err != nil {
			log.Warn().Err(err).Msg("offer rejected")
			return
		}
		ws.Write(EncodeAnswer(answer))
	case TypeCandidate:
		r.peers.AddCandidate(sessionID, msg.Candidate)
	case TypeInput:
		r.sessions.Touch(sessionID)
		r.inputs.Handle(sessionID, msg.Input)
	}
}
