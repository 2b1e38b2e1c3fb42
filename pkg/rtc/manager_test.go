package rtc

import (
	"context"
	"image"
	"sync"
	"testing"

	"github.com/crossview/crossview/pkg/config"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/media"
	"github.com/crossview/crossview/pkg/vnc"

	pion "github.com/pion/webrtc/v3"
)

type testSource struct {
	mu      sync.Mutex
	stopped bool
}

func (s *testSource) Frame() (*image.RGBA, error) { return nil, vnc.ErrNoFrame }
func (s *testSource) Live() bool                  { return false }
func (s *testSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *testSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type testEncoder struct{}

func (testEncoder) Encode(im image.Image) ([]byte, error) { return []byte{0}, nil }
func (testEncoder) Close() error                          { return nil }

func newTestManager(t *testing.T) (*Manager, *[]*testSource) {
	t.Helper()
	log := logger.Default()
	factory, err := NewApiFactory(config.Webrtc{}, log)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(factory, vnc.NewStore(), config.Media{Width: 64, Height: 48, Fps: 500}, config.Vnc{}, log)
	sources := &[]*testSource{}
	m.connect = func(ctx context.Context, sessionID, endpoint string) media.Source {
		s := &testSource{}
		*sources = append(*sources, s)
		return s
	}
	m.newEncoder = func(w, h, fps int) (media.Encoder, error) { return testEncoder{}, nil }
	t.Cleanup(m.Shutdown)
	return m, sources
}

func newOffer(t *testing.T) pion.SessionDescription {
	t.Helper()
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err = pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return offer
}

func TestRejectsMalformedOffers(t *testing.T) {
	m, _ := newTestManager(t)
	send := func(pion.ICECandidateInit) {}

	if _, err := m.HandleOffer("s1", "h:1", pion.SessionDescription{}, send); err != ErrInvalidOffer {
		t.Fatalf("empty offer: err = %v, want ErrInvalidOffer", err)
	}
	bad := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "v=0"}
	if _, err := m.HandleOffer("s1", "h:1", bad, send); err != ErrInvalidOffer {
		t.Fatalf("answer as offer: err = %v, want ErrInvalidOffer", err)
	}
	if m.peers.Len() != 0 {
		t.Fatalf("rejected offers left %d peers behind", m.peers.Len())
	}
}

func TestAnswersOffer(t *testing.T) {
	m, _ := newTestManager(t)

	answer, err := m.HandleOffer("s1", "h:1", newOffer(t), func(pion.ICECandidateInit) {})
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != pion.SDPTypeAnswer || answer.SDP == "" {
		t.Fatalf("unexpected answer: %+v", answer.Type)
	}
	if m.peers.Len() != 1 {
		t.Fatalf("peers = %d, want 1", m.peers.Len())
	}
}

func TestNewOfferSupersedesPeer(t *testing.T) {
	m, sources := newTestManager(t)
	send := func(pion.ICECandidateInit) {}

	if _, err := m.HandleOffer("s1", "h:1", newOffer(t), send); err != nil {
		t.Fatal(err)
	}
	first, err := m.peers.Find("s1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.HandleOffer("s1", "h:1", newOffer(t), send); err != nil {
		t.Fatal(err)
	}
	second, err := m.peers.Find("s1")
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatal("second offer did not replace the peer")
	}
	if m.peers.Len() != 1 {
		t.Fatalf("peers = %d, want 1", m.peers.Len())
	}
	if !(*sources)[0].isStopped() {
		t.Fatal("superseded capture source still running")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	m, sources := newTestManager(t)

	if _, err := m.HandleOffer("s1", "h:1", newOffer(t), func(pion.ICECandidateInit) {}); err != nil {
		t.Fatal(err)
	}
	m.Cleanup("s1")
	m.Cleanup("s1")
	if m.peers.Len() != 0 {
		t.Fatalf("peers = %d after cleanup", m.peers.Len())
	}
	if !(*sources)[0].isStopped() {
		t.Fatal("capture source still running after cleanup")
	}
}

func TestCandidateForAbsentPeer(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddCandidate("ghost", pion.ICECandidateInit{Candidate: "candidate:0 1 udp 1 127.0.0.1 9 typ host"})
}
