package core

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ALLiDoizCode/m2m-sub003/pkg/utils"
)

// PeerConfig describes one statically configured peer.
type PeerConfig struct {
	ID        string `mapstructure:"id" json:"id" yaml:"id"`
	URL       string `mapstructure:"url" json:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" json:"auth_token" yaml:"auth_token"`
}

// RegistryConfig parameterises the peer registry and its listener.
type RegistryConfig struct {
	NodeID string
	// ListenPort is the BTP WebSocket server port.
	ListenPort int
	// AcceptRate limits inbound upgrade attempts per second (default 16).
	AcceptRate float64
	MaxPending int
	WriteQueue int

	Logger *logrus.Logger
	Bus    *TelemetryBus
	// OnPeerState is invoked after any peer transport changes state.
	OnPeerState func(peerID string, oldState, newState PeerState)
}

// PeerRegistry owns every live peer transport: the ones it dialed for static
// peers and the ones accepted on the BTP listener. At most one READY
// transport exists per peer id; when both sides dialed, the newcomer wins.
type PeerRegistry struct {
	cfg RegistryConfig
	log *logrus.Logger

	mu     sync.Mutex
	peers  map[string]*PeerTransport
	static map[string]PeerConfig

	handlerMu sync.RWMutex
	handler   IncomingHandler

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	closed bool
	wg     sync.WaitGroup
}

// NewPeerRegistry builds an empty registry. Call Listen to open the server
// and AddStaticPeer for each configured peer.
func NewPeerRegistry(cfg RegistryConfig) *PeerRegistry {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = 16
	}
	return &PeerRegistry{
		cfg:    cfg,
		log:    cfg.Logger,
		peers:  make(map[string]*PeerTransport),
		static: make(map[string]PeerConfig),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.AcceptRate), int(cfg.AcceptRate)*2),
	}
}

// SetHandler installs the forwarding handler on all current and future
// transports.
func (r *PeerRegistry) SetHandler(h IncomingHandler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.peers {
		t.OnIncomingPacket(h)
	}
}

func (r *PeerRegistry) currentHandler() IncomingHandler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.handler
}

// Listen binds the BTP WebSocket listener. It returns once the socket is
// bound; serving runs in the background.
func (r *PeerRegistry) Listen() error {
	addr := fmt.Sprintf(":%d", r.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind btp listener on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handleUpgrade)
	r.listener = ln
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	r.mu.Lock()
	r.server = server
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.log.Errorf("btp server: %v", err)
		}
	}()
	r.log.Infof("btp listener bound on %s", addr)
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (r *PeerRegistry) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// AddStaticPeer registers a configured peer and dials it. Dial failures do
// not surface here; the transport keeps retrying with backoff.
func (r *PeerRegistry) AddStaticPeer(pc PeerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.static[pc.ID]; exists {
		return fmt.Errorf("peer %q already configured", pc.ID)
	}
	r.static[pc.ID] = pc
	t := DialPeer(TransportConfig{
		PeerID:        pc.ID,
		URL:           pc.URL,
		LocalNodeID:   r.cfg.NodeID,
		AuthToken:     pc.AuthToken,
		MaxPending:    r.cfg.MaxPending,
		WriteQueue:    r.cfg.WriteQueue,
		Logger:        r.log,
		Bus:           r.cfg.Bus,
		OnStateChange: r.cfg.OnPeerState,
	})
	t.OnIncomingPacket(r.currentHandler())
	r.swapLocked(pc.ID, t)
	return nil
}

// RemovePeer closes and forgets the peer's transport and static entry.
func (r *PeerRegistry) RemovePeer(peerID string) {
	r.mu.Lock()
	t := r.peers[peerID]
	delete(r.peers, peerID)
	delete(r.static, peerID)
	r.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// GetTransport returns the live transport for peerID, if any.
func (r *PeerRegistry) GetTransport(peerID string) (*PeerTransport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[peerID]
	return t, ok
}

// Lookup adapts GetTransport to the forwarding plane's provider contract.
func (r *PeerRegistry) Lookup(peerID string) (PacketSender, bool) {
	t, ok := r.GetTransport(peerID)
	if !ok {
		return nil, false
	}
	return t, true
}

// Statuses returns the ready flag per known peer.
func (r *PeerRegistry) Statuses() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.peers))
	for id, t := range r.peers {
		out[id] = t.Ready()
	}
	return out
}

// Counts returns (ready, configured) peer counts. Dynamic peers that dialed
// in count as ready but not as configured.
func (r *PeerRegistry) Counts() (ready, configured int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	configured = len(r.static)
	for _, t := range r.peers {
		if t.Ready() {
			ready++
		}
	}
	return ready, configured
}

// PendingTotal sums outstanding request correlations across transports.
func (r *PeerRegistry) PendingTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, t := range r.peers {
		total += t.PendingLen()
	}
	return total
}

// Close stops the listener and every transport.
func (r *PeerRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	peers := make([]*PeerTransport, 0, len(r.peers))
	for _, t := range r.peers {
		peers = append(peers, t)
	}
	r.peers = make(map[string]*PeerTransport)
	server := r.server
	r.server = nil
	r.mu.Unlock()

	if server != nil {
		_ = server.Close()
	}
	for _, t := range peers {
		t.Close()
	}
	r.wg.Wait()
}

// swapLocked installs a transport for peerID, closing any previous one.
// Callers hold r.mu.
func (r *PeerRegistry) swapLocked(peerID string, t *PeerTransport) {
	if old, ok := r.peers[peerID]; ok && old != t {
		r.log.Infof("peer %s reconnected; superseding previous transport", peerID)
		go old.Close()
	}
	r.peers[peerID] = t
}

// -----------------------------------------------------------------------------
// Inbound handshake
// -----------------------------------------------------------------------------

func (r *PeerRegistry) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	if !r.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debugf("upgrade from %s: %v", req.RemoteAddr, err)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptConn(conn, req.RemoteAddr)
	}()
}

// acceptConn runs the acceptor half of the handshake and, on success, hands
// the connection to a transport registered under the claimed peer id.
func (r *PeerRegistry) acceptConn(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(transportReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		r.log.Debugf("handshake read from %s: %v", remote, err)
		_ = conn.Close()
		return
	}
	env, derr := DecodeEnvelope(frame)
	if derr != nil || env.FrameType != FrameMessage || env.Entry(ProtoAuth) == nil {
		r.refuse(conn, "expected auth message")
		return
	}
	peerEntry := env.Entry(ProtoAuthPeer)
	tokenEntry := env.Entry(ProtoAuthTok)
	if peerEntry == nil || tokenEntry == nil {
		r.refuse(conn, "incomplete credentials")
		return
	}
	peerID := string(peerEntry.Payload)
	secret, known := r.secretFor(peerID)
	if !known || subtle.ConstantTimeCompare([]byte(secret), tokenEntry.Payload) != 1 {
		r.log.Warnf("peer %q from %s failed authentication", peerID, remote)
		r.refuse(conn, "authentication failed")
		return
	}

	ack := EncodeEnvelope(&Envelope{FrameType: FrameResponse, RequestID: env.RequestID})
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, ack); err != nil {
		r.log.Debugf("handshake ack to %s: %v", remote, err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	t := AcceptPeer(TransportConfig{
		PeerID:        peerID,
		LocalNodeID:   r.cfg.NodeID,
		MaxPending:    r.cfg.MaxPending,
		WriteQueue:    r.cfg.WriteQueue,
		Logger:        r.log,
		Bus:           r.cfg.Bus,
		OnStateChange: r.cfg.OnPeerState,
	}, conn)
	t.OnIncomingPacket(r.currentHandler())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return
	}
	r.swapLocked(peerID, t)
	r.mu.Unlock()
	r.log.Infof("peer %s connected from %s", peerID, remote)
}

func (r *PeerRegistry) refuse(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// secretFor resolves the expected secret for an inbound peer: the static
// peer's configured token first, then the BTP_PEER_<ID>_SECRET environment
// variable for dynamic peers.
func (r *PeerRegistry) secretFor(peerID string) (string, bool) {
	r.mu.Lock()
	pc, ok := r.static[peerID]
	r.mu.Unlock()
	if ok && pc.AuthToken != "" {
		return pc.AuthToken, true
	}
	if v := utils.EnvOrDefault(peerSecretEnvVar(peerID), ""); v != "" {
		return v, true
	}
	return "", false
}

// peerSecretEnvVar maps a peer id onto its env var name; bytes that are not
// legal in env names become underscores.
func peerSecretEnvVar(peerID string) string {
	upper := strings.ToUpper(peerID)
	var b strings.Builder
	for _, c := range upper {
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return "BTP_PEER_" + b.String() + "_SECRET"
}
