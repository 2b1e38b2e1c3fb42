// Package vnc maintains the framebuffer connection of a session: it
// pulls raster frames out of the container and pushes input back in.
package vnc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/crossview/crossview/pkg/com"
	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/network"
	vnc "github.com/mitchellh/go-vnc"
)

var (
	// ErrNoFrame means the connection is live but no framebuffer
	// update has been decoded yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrBufferFault flags a transient framebuffer protocol fault;
	// the caller should replace the client instead of dropping the session.
	ErrBufferFault = errors.New("framebuffer fault")
	// ErrClosed means the client has been stopped.
	ErrClosed = errors.New("capture client closed")
)

// Store is the process-wide keyed store of live capture clients.
// A client registers itself under its session id once connected and
// removes itself on teardown; everyone else holds non-owning references.
type Store = com.Map[string, *Client]

func NewStore() *Store { return com.NewMap[string, *Client]() }

const dialTimeout = 3 * time.Second
const refreshEvery = time.Second

// Client is one session's connection to its framebuffer endpoint.
// It runs a connect loop with a bounded retry budget and, once
// connected, keeps an up-to-date canvas of the remote screen.
type Client struct {
	sessionID string
	endpoint  string
	secret    string
	policy    network.Policy
	store     *Store
	log       *logger.Logger

	mu      sync.Mutex
	conn    *vnc.ClientConn
	canvas  *image.RGBA
	updated bool
	fault   error
	closed  bool

	msgs   chan vnc.ServerMessage
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Connect constructs the client and starts its connect/run loop.
// The loop registers the client in the store on a successful
// handshake and runs until Stop; when the retry budget is exhausted
// it exits without registering and the session streams placeholders.
func Connect(ctx context.Context, sessionID, endpoint, secret string, policy network.Policy, store *Store, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		sessionID: sessionID,
		endpoint:  endpoint,
		secret:    secret,
		policy:    policy,
		store:     store,
		log:       log.Extend(log.With().Str("sid", sessionID)),
		msgs:      make(chan vnc.ServerMessage, 32),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	if err := c.policy.Run(ctx, c.dial); err != nil {
		c.log.Error().Err(err).Msgf("framebuffer connect to %s gave up", c.endpoint)
		c.markClosed()
		return
	}
	c.store.Put(c.sessionID, c)
	c.log.Info().Msgf("framebuffer connected to %s", c.endpoint)

	defer func() {
		c.store.Remove(c.sessionID)
		c.markClosed()
	}()
	c.serve(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	sock, err := d.DialContext(ctx, "tcp", c.endpoint)
	if err != nil {
		return err
	}
	conn, err := vnc.Client(sock, &vnc.ClientConfig{
		Auth:            []vnc.ClientAuth{&vnc.PasswordAuth{Password: c.secret}},
		ServerMessageCh: c.msgs,
	})
	if err != nil {
		_ = sock.Close()
		return fmt.Errorf("rfb handshake: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.canvas = image.NewRGBA(image.Rect(0, 0, int(conn.FrameBufferWidth), int(conn.FrameBufferHeight)))
	c.mu.Unlock()
	return nil
}

// serve consumes framebuffer updates until cancelled. Update requests
// double as connection liveness checks: a failed write records a
// buffer fault for the next frame pull to classify.
func (c *Client) serve(ctx context.Context) {
	w, h := c.size()
	if err := c.request(false, w, h); err != nil {
		c.recordFault(err)
		return
	}
	refresh := time.NewTicker(refreshEvery)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.msgs:
			if fb, ok := msg.(*vnc.FramebufferUpdateMessage); ok {
				c.apply(fb)
			}
		case <-refresh.C:
			if err := c.request(true, w, h); err != nil {
				c.recordFault(err)
				return
			}
		}
	}
}

func (c *Client) request(incremental bool, w, h uint16) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	return conn.FramebufferUpdateRequest(incremental, 0, 0, w, h)
}

func (c *Client) size() (w, h uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, 0
	}
	return c.conn.FrameBufferWidth, c.conn.FrameBufferHeight
}

// apply draws raw-encoded rectangles onto the canvas.
func (c *Client) apply(fb *vnc.FramebufferUpdateMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canvas == nil {
		return
	}
	for _, rect := range fb.Rectangles {
		raw, ok := rect.Enc.(*vnc.RawEncoding)
		if !ok {
			continue
		}
		i := 0
		for y := int(rect.Y); y < int(rect.Y+rect.Height); y++ {
			for x := int(rect.X); x < int(rect.X+rect.Width); x++ {
				if i >= len(raw.Colors) {
					return
				}
				px := raw.Colors[i]
				i++
				c.canvas.SetRGBA(x, y, rgba(px))
			}
		}
	}
	c.updated = true
}

// Frame returns a copy of the current remote screen. It does not
// retry: transient faults surface once as ErrBufferFault and frame
// absence as ErrNoFrame, and the caller decides what to do.
func (c *Client) Frame() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.fault != nil {
		err := c.fault
		c.fault = nil
		return nil, fmt.Errorf("%w: %v", ErrBufferFault, err)
	}
	if !c.updated {
		return nil, ErrNoFrame
	}
	out := image.NewRGBA(c.canvas.Rect)
	copy(out.Pix, c.canvas.Pix)
	return out, nil
}

// Live reports whether the client holds an open framebuffer
// connection. False while the connect loop is still dialing and after
// teardown for any reason.
func (c *Client) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// PointerEvent sends an absolute pointer update with the given button
// mask. A no-op without a live connection.
func (c *Client) PointerEvent(mask byte, x, y uint16) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return
	}
	if err := conn.PointerEvent(vnc.ButtonMask(mask), x, y); err != nil {
		c.recordFault(err)
	}
}

// KeyEvent sends a single key press or release. A no-op without a
// live connection.
func (c *Client) KeyEvent(keysym uint32, down bool) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return
	}
	if err := conn.KeyEvent(keysym, down); err != nil {
		c.recordFault(err)
	}
}

// Stop cancels the connect/run loop and waits for its teardown, so a
// replacement client can never race this one into the keyed store.
// Safe to call multiple times and from any goroutine.
func (c *Client) Stop() {
	c.once.Do(c.cancel)
	<-c.done
}

func (c *Client) recordFault(err error) {
	c.mu.Lock()
	if c.fault == nil {
		c.fault = err
	}
	c.mu.Unlock()
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
