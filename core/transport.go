package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Peer states
// -----------------------------------------------------------------------------

// PeerState tracks one transport's lifecycle.
type PeerState int32

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return fmt.Sprintf("PeerState(%d)", int32(s))
}

// -----------------------------------------------------------------------------
// PeerTransport
// -----------------------------------------------------------------------------

// IncomingHandler is invoked for every inbound ILP MESSAGE. It returns the
// Fulfill or Reject the transport writes back under the same request id.
type IncomingHandler func(prepare *PreparePacket, sourcePeerID string) Packet

// TransportConfig parameterises one PeerTransport.
type TransportConfig struct {
	// PeerID is the remote peer's identifier.
	PeerID string
	// URL is the ws:// or wss:// endpoint to dial. Empty for transports
	// constructed from an accepted inbound connection.
	URL string
	// LocalNodeID and AuthToken form the handshake credentials presented
	// when dialing.
	LocalNodeID string
	AuthToken   string

	// MaxPending bounds the request-correlation map (default 10000).
	MaxPending int
	// WriteQueue bounds the outbound frame queue (default 128).
	WriteQueue int

	Logger *logrus.Logger
	Bus    *TelemetryBus
	// OnStateChange is invoked after every state transition.
	OnStateChange func(peerID string, oldState, newState PeerState)
}

const (
	defaultMaxPending   = 10000
	defaultWriteQueue   = 128
	handshakeTimeout    = 10 * time.Second
	authRetryFloor      = 30 * time.Second
	reconnectBaseDelay  = time.Second
	reconnectMaxDelay   = 30 * time.Second
	transportReadLimit  = 2 * MaxFieldLen
	responseDrainWindow = time.Second
)

type sendResult struct {
	env *Envelope
	err error
}

// PeerTransport is one bidirectional framed connection to a peer. Both sides
// send requests; responses correlate by request id alone. Dialing and
// accepting produce the same running behavior.
type PeerTransport struct {
	cfg TransportConfig
	log *logrus.Logger

	state    atomic.Int32
	lastSeen atomic.Int64 // unix milli

	handlerMu sync.RWMutex
	handler   IncomingHandler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeCh chan []byte
	connGen uint64 // bumped per connection; guards teardown of stale conns

	pendingMu sync.Mutex
	pending   map[uint32]chan sendResult
	nextID    atomic.Uint32

	lateResponses atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// DialPeer creates a transport that dials cfg.URL and keeps redialing with
// exponential full-jitter backoff until Close.
func DialPeer(cfg TransportConfig) *PeerTransport {
	t := newTransport(cfg)
	t.wg.Add(1)
	go t.dialLoop()
	return t
}

// AcceptPeer wraps an already-authenticated inbound connection. The server
// side does not reconnect; when the connection drops the transport ends in
// DISCONNECTED and the peer is expected to dial back in.
func AcceptPeer(cfg TransportConfig, conn *websocket.Conn) *PeerTransport {
	t := newTransport(cfg)
	gen, writeCh := t.bindConn(conn)
	t.setState(StateReady)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.serveConn(conn, gen, writeCh)
		t.failPending(ErrPeerUnreachable)
		t.setState(StateDisconnected)
	}()
	return t
}

func newTransport(cfg TransportConfig) *PeerTransport {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	t := &PeerTransport{
		cfg:     cfg,
		log:     cfg.Logger,
		pending: make(map[uint32]chan sendResult),
		done:    make(chan struct{}),
	}
	t.state.Store(int32(StateDisconnected))
	return t
}

// PeerID returns the remote peer's identifier.
func (t *PeerTransport) PeerID() string { return t.cfg.PeerID }

// State returns the current lifecycle state.
func (t *PeerTransport) State() PeerState { return PeerState(t.state.Load()) }

// Ready reports whether requests can be sent right now.
func (t *PeerTransport) Ready() bool { return t.State() == StateReady }

// LastSeen returns the time of the last frame received from the peer.
func (t *PeerTransport) LastSeen() time.Time {
	return time.UnixMilli(t.lastSeen.Load())
}

// PendingLen returns the number of outstanding request correlations.
func (t *PeerTransport) PendingLen() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// LateResponses counts responses that arrived after their deadline and were
// discarded.
func (t *PeerTransport) LateResponses() uint64 { return t.lateResponses.Load() }

// OnIncomingPacket installs the handler for inbound ILP messages.
func (t *PeerTransport) OnIncomingPacket(h IncomingHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// Close tears the transport down and fails every pending request.
func (t *PeerTransport) Close() {
	t.once.Do(func() {
		close(t.done)
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
	})
	t.wg.Wait()
	t.failPending(ErrClosed)
	t.setState(StateDisconnected)
}

// SendPacket forwards a Prepare and waits for the paired Fulfill or Reject.
// The deadline rides on ctx. On caller abandonment the pending entry is
// reaped; a late response is discarded and counted.
func (t *PeerTransport) SendPacket(ctx context.Context, prepare *PreparePacket) (Packet, error) {
	if t.State() != StateReady {
		return nil, ErrPeerUnreachable
	}

	id := t.nextID.Add(1)
	ch := make(chan sendResult, 1)

	t.pendingMu.Lock()
	if len(t.pending) >= t.cfg.MaxPending {
		t.pendingMu.Unlock()
		return nil, ErrPeerBusy
	}
	t.pending[id] = ch
	t.pendingMu.Unlock()

	frame := EncodeEnvelope(ilpMessage(id, EncodePrepare(prepare)))
	if err := t.enqueue(frame); err != nil {
		t.dropPending(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return t.unwrapResponse(res.env)
	case <-ctx.Done():
		t.dropPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-t.done:
		t.dropPending(id)
		return nil, ErrClosed
	}
}

func (t *PeerTransport) unwrapResponse(env *Envelope) (Packet, error) {
	if env.FrameType == FrameError {
		return nil, fmt.Errorf("%w: peer signalled protocol error", ErrPeerUnreachable)
	}
	entry := env.Entry(ProtoILP)
	if entry == nil {
		return nil, fmt.Errorf("response %d carries no ilp entry", env.RequestID)
	}
	pkt, err := DecodePacket(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("response %d: %w", env.RequestID, err)
	}
	switch pkt.(type) {
	case *FulfillPacket, *RejectPacket:
		return pkt, nil
	}
	return nil, fmt.Errorf("response %d is not a fulfill or reject", env.RequestID)
}

// enqueue places a frame on the bounded write queue, failing fast when full.
func (t *PeerTransport) enqueue(frame []byte) error {
	t.connMu.Lock()
	ch := t.writeCh
	t.connMu.Unlock()
	if ch == nil {
		return ErrPeerUnreachable
	}
	select {
	case ch <- frame:
		return nil
	default:
		return ErrPeerBusy
	}
}

func (t *PeerTransport) dropPending(id uint32) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// failPending completes every outstanding request with err.
func (t *PeerTransport) failPending(err error) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[uint32]chan sendResult)
	t.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- sendResult{err: err}
	}
}

func (t *PeerTransport) setState(next PeerState) {
	prev := PeerState(t.state.Swap(int32(next)))
	if prev == next {
		return
	}
	t.log.WithFields(logrus.Fields{
		"peer": t.cfg.PeerID,
		"from": prev.String(),
		"to":   next.String(),
	}).Info("peer state changed")
	if t.cfg.Bus != nil {
		t.cfg.Bus.Publish(EventPeerStateChanged, PeerStateChangedEvent{
			PeerID:   t.cfg.PeerID,
			OldState: prev.String(),
			NewState: next.String(),
		})
	}
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(t.cfg.PeerID, prev, next)
	}
}

// -----------------------------------------------------------------------------
// Dial loop
// -----------------------------------------------------------------------------

func (t *PeerTransport) dialLoop() {
	defer t.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBaseDelay
	bo.MaxInterval = reconnectMaxDelay
	bo.RandomizationFactor = 1 // full jitter
	bo.MaxElapsedTime = 0

	first := true
	for {
		select {
		case <-t.done:
			return
		default:
		}
		if first {
			t.setState(StateConnecting)
			first = false
		} else {
			t.setState(StateReconnecting)
		}

		conn, err := t.dialAndAuth()
		if err != nil {
			wait := bo.NextBackOff()
			if errors.Is(err, ErrUnauthenticated) {
				// A rejected secret will not fix itself quickly; hold off.
				if wait < authRetryFloor {
					wait = authRetryFloor
				}
				t.log.Errorf("peer %s rejected credentials; retrying in %s", t.cfg.PeerID, wait)
			} else {
				t.log.WithFields(logrus.Fields{"peer": t.cfg.PeerID, "retry_in": wait}).
					Warnf("dial failed: %v", err)
			}
			select {
			case <-time.After(wait):
				continue
			case <-t.done:
				return
			}
		}

		bo.Reset()
		gen, writeCh := t.bindConn(conn)
		t.setState(StateReady)
		t.serveConn(conn, gen, writeCh)
		// Connection lost; pending requests fail immediately, not retried.
		t.failPending(ErrPeerUnreachable)
	}
}

// dialAndAuth establishes the WebSocket connection and runs the initiator
// half of the handshake.
func (t *PeerTransport) dialAndAuth() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	conn.SetReadLimit(transportReadLimit)

	t.setState(StateAuthenticating)
	authID := t.nextID.Add(1)
	env := &Envelope{
		FrameType: FrameMessage,
		RequestID: authID,
		ProtocolData: []ProtocolEntry{
			{Name: ProtoAuth, ContentType: ContentOctetStream},
			{Name: ProtoAuthPeer, ContentType: ContentTextPlain, Payload: []byte(t.cfg.LocalNodeID)},
			{Name: ProtoAuthTok, ContentType: ContentTextPlain, Payload: []byte(t.cfg.AuthToken)},
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeEnvelope(env)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		// The acceptor slams the door on bad credentials; a close before
		// the auth response means we were refused.
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	reply, derr := DecodeEnvelope(frame)
	if derr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("auth response: %w", derr)
	}
	if reply.FrameType != FrameResponse || reply.RequestID != authID {
		_ = conn.Close()
		return nil, ErrUnauthenticated
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// -----------------------------------------------------------------------------
// Connection run loop
// -----------------------------------------------------------------------------

// bindConn installs a connection as the transport's current one, making the
// write queue visible to senders before any frame is served.
func (t *PeerTransport) bindConn(conn *websocket.Conn) (uint64, chan []byte) {
	conn.SetReadLimit(transportReadLimit)
	writeCh := make(chan []byte, t.cfg.WriteQueue)
	t.connMu.Lock()
	t.conn = conn
	t.writeCh = writeCh
	t.connGen++
	gen := t.connGen
	t.connMu.Unlock()
	return gen, writeCh
}

// serveConn owns one live bound connection: a writer goroutine drains the
// bounded queue, the calling goroutine reads frames until the connection
// dies.
func (t *PeerTransport) serveConn(conn *websocket.Conn, gen uint64, writeCh chan []byte) {
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for {
			select {
			case frame := <-writeCh:
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					t.log.Debugf("peer %s write: %v", t.cfg.PeerID, err)
					_ = conn.Close()
					return
				}
			case <-t.done:
				return
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.log.Debugf("peer %s read: %v", t.cfg.PeerID, err)
			break
		}
		t.lastSeen.Store(time.Now().UnixMilli())
		env, derr := DecodeEnvelope(frame)
		if derr != nil {
			t.log.Warnf("peer %s sent undecodable frame: %v", t.cfg.PeerID, derr)
			continue
		}
		t.handleFrame(env)
	}

	_ = conn.Close()
	writerWG.Wait()

	t.connMu.Lock()
	if t.connGen == gen {
		t.conn = nil
		t.writeCh = nil
	}
	t.connMu.Unlock()
}

func (t *PeerTransport) handleFrame(env *Envelope) {
	switch env.FrameType {
	case FrameResponse, FrameError:
		t.completePending(env)
	case FrameMessage, FrameTransfer:
		if env.Entry(ProtoAuth) != nil {
			// Duplicate handshake on a live connection; acknowledge and
			// carry on.
			t.reply(env.RequestID, nil)
			return
		}
		entry := env.Entry(ProtoILP)
		if entry == nil || env.ProtocolData[0].Name != ProtoILP {
			t.log.Debugf("peer %s message %d without leading ilp entry", t.cfg.PeerID, env.RequestID)
			return
		}
		go t.serveRequest(env.RequestID, entry.Payload)
	}
}

func (t *PeerTransport) completePending(env *Envelope) {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.RequestID]
	if ok {
		delete(t.pending, env.RequestID)
	}
	t.pendingMu.Unlock()
	if !ok {
		t.lateResponses.Add(1)
		t.log.Debugf("peer %s: discarding late response %d", t.cfg.PeerID, env.RequestID)
		return
	}
	ch <- sendResult{env: env}
}

// serveRequest decodes an inbound Prepare, invokes the handler and writes
// the response under the same request id.
func (t *PeerTransport) serveRequest(requestID uint32, payload []byte) {
	pkt, err := DecodePacket(payload)
	var response Packet
	switch {
	case err != nil:
		response = NewReject(CodeInvalidPacket, "", "malformed packet")
	default:
		prepare, ok := pkt.(*PreparePacket)
		if !ok {
			response = NewReject(CodeBadRequest, "", "expected prepare")
			break
		}
		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h == nil {
			response = NewReject(CodeInternalError, "", "")
		} else {
			response = h(prepare, t.cfg.PeerID)
		}
	}
	if response == nil {
		response = NewReject(CodeInternalError, "", "")
	}
	t.reply(requestID, EncodePacket(response))
}

// reply writes a RESPONSE frame, waiting briefly for queue space; a response
// is worth more than strict non-blocking here because the peer holds a
// pending slot for it.
func (t *PeerTransport) reply(requestID uint32, packet []byte) {
	frame := EncodeEnvelope(ilpResponse(requestID, packet))
	t.connMu.Lock()
	ch := t.writeCh
	t.connMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	case <-time.After(responseDrainWindow):
		t.log.Warnf("peer %s: response %d dropped, write queue full", t.cfg.PeerID, requestID)
	case <-t.done:
	}
}
