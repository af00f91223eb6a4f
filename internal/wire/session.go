package wire

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/cluster"
)

// Inbound is one received message, wrapped with the sender's NodeID,
// the single shape the consumer loop (spec §4.3) routes on.
type Inbound struct {
	Sender  cluster.NodeID
	Message Message
}

// sendQueueDepth bounds each peer's outbound queue; broadcast is
// best-effort, so a full queue logs and drops rather than blocking.
const sendQueueDepth = 256

// session owns one peer's TCP connection: a single writer goroutine
// draining a send queue, and a single reader goroutine pushing onto
// the shared inbound channel.
type session struct {
	conn   net.Conn
	peer   cluster.NodeID
	send   chan Message
	log    *logrus.Entry
	closed chan struct{}
	once   sync.Once
}

func newSession(conn net.Conn, peer cluster.NodeID, log *logrus.Entry) *session {
	return &session{
		conn:   conn,
		peer:   peer,
		send:   make(chan Message, sendQueueDepth),
		log:    log,
		closed: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// writeLoop is the single writer task: it is the only goroutine that
// calls WriteFrame on this connection, so TCP's in-order delivery
// guarantees in-send-order delivery to the peer.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := WriteFrame(s.conn, msg); err != nil {
				s.log.WithError(err).Warnf("write to peer %s failed", s.peer)
				s.close()
				return
			}
		}
	}
}

// readLoop is the single reader task; it forwards every frame onto
// inbound until the connection errors, then emits a PeerDisconnected
// signal via disconnected.
func (s *session) readLoop(inbound chan<- Inbound, disconnected chan<- cluster.NodeID) {
	for {
		msg, err := ReadFrame(s.conn)
		if err != nil {
			select {
			case disconnected <- s.peer:
			case <-s.closed:
			}
			s.close()
			return
		}
		select {
		case inbound <- Inbound{Sender: s.peer, Message: msg}:
		case <-s.closed:
			return
		}
	}
}

func (s *session) enqueue(msg Message) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Layer is the TCP listener + outgoing dialer + peer connection table.
type Layer struct {
	self      cluster.Info
	connectTimeout time.Duration

	mu       sync.RWMutex
	sessions map[cluster.NodeID]*session

	inbound      chan Inbound
	disconnected chan cluster.NodeID

	log *logrus.Entry
}

// NewLayer constructs a wire Layer identified by self.
func NewLayer(self cluster.Info, log *logrus.Entry) *Layer {
	l := &Layer{
		self:           self,
		connectTimeout: 10 * time.Second,
		sessions:       make(map[cluster.NodeID]*session),
		inbound:        make(chan Inbound, 1024),
		disconnected:   make(chan cluster.NodeID, 64),
		log:            log,
	}
	return l
}

// Inbound returns the single consumer-facing channel of received
// messages, per spec §4.3's "Events out" rule.
func (l *Layer) Inbound() <-chan Inbound { return l.inbound }

// Disconnected signals PeerDisconnected events (§4.3 Failure).
func (l *Layer) Disconnected() <-chan cluster.NodeID { return l.disconnected }

// Listen binds addr and returns; inbound peer connections are accepted
// on a background goroutine.
func (l *Layer) Listen(addr string, known []cluster.Info) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	l.log.Infof("wire layer listening on %s", addr)
	go func() {
		defer ln.Close()
		for {
			conn, err := ln.Accept()
			if err != nil {
				l.log.WithError(err).Warn("accept failed, listener stopping")
				return
			}
			go l.acceptHandshake(conn, known)
		}
	}()
	return nil
}

// Dial opens an outgoing connection to a peer's advertised endpoint
// and performs the Discovery handshake.
func (l *Layer) Dial(endpoint string, known []cluster.Info) (cluster.NodeID, error) {
	conn, err := net.DialTimeout("tcp", endpoint, l.connectTimeout)
	if err != nil {
		return cluster.NodeID{}, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return l.initiateHandshake(conn, known)
}

func (l *Layer) initiateHandshake(conn net.Conn, known []cluster.Info) (cluster.NodeID, error) {
	hello := Discovery{NodeID: l.self.ID, Self: l.self, Known: known}
	if err := WriteFrame(conn, hello); err != nil {
		conn.Close()
		return cluster.NodeID{}, fmt.Errorf("handshake send: %w", err)
	}
	msg, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return cluster.NodeID{}, fmt.Errorf("handshake recv: %w", err)
	}
	disc, ok := msg.(Discovery)
	if !ok {
		conn.Close()
		return cluster.NodeID{}, fmt.Errorf("handshake: expected Discovery, got %T", msg)
	}
	l.register(conn, disc.NodeID)
	return disc.NodeID, nil
}

func (l *Layer) acceptHandshake(conn net.Conn, known []cluster.Info) {
	msg, err := ReadFrame(conn)
	if err != nil {
		l.log.WithError(err).Warn("handshake recv failed, closing")
		conn.Close()
		return
	}
	disc, ok := msg.(Discovery)
	if !ok {
		l.log.Warnf("handshake: expected Discovery, got %T, closing", msg)
		conn.Close()
		return
	}
	hello := Discovery{NodeID: l.self.ID, Self: l.self, Known: known}
	if err := WriteFrame(conn, hello); err != nil {
		l.log.WithError(err).Warn("handshake send failed, closing")
		conn.Close()
		return
	}
	l.register(conn, disc.NodeID)
}

func (l *Layer) register(conn net.Conn, peer cluster.NodeID) {
	s := newSession(conn, peer, l.log.WithField("peer", peer.String()))
	l.mu.Lock()
	if old, ok := l.sessions[peer]; ok {
		old.close()
	}
	l.sessions[peer] = s
	l.mu.Unlock()

	go s.writeLoop()
	go s.readLoop(l.inbound, l.disconnected)
}

// Forget removes a peer's session (on PeerDisconnected handling).
func (l *Layer) Forget(peer cluster.NodeID) {
	l.mu.Lock()
	s, ok := l.sessions[peer]
	delete(l.sessions, peer)
	l.mu.Unlock()
	if ok {
		s.close()
	}
}

// SendTo enqueues msg for a single peer. Returns false if the peer is
// unknown or its queue is full.
func (l *Layer) SendTo(peer cluster.NodeID, msg Message) bool {
	l.mu.RLock()
	s, ok := l.sessions[peer]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(msg)
}

// Broadcast fans msg out to every connected peer, best-effort: a
// full/failed queue logs and is skipped, never blocking other peers.
func (l *Layer) Broadcast(msg Message) {
	l.mu.RLock()
	peers := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		peers = append(peers, s)
	}
	l.mu.RUnlock()

	for _, s := range peers {
		if !s.enqueue(msg) {
			l.log.Warnf("broadcast queue full for peer %s, dropping frame", s.peer)
		}
	}
}

// Peers returns the currently connected peer IDs.
func (l *Layer) Peers() []cluster.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]cluster.NodeID, 0, len(l.sessions))
	for id := range l.sessions {
		out = append(out, id)
	}
	return out
}

// Shutdown sends Goodbye to every peer on a best-effort basis and
// closes all sessions.
func (l *Layer) Shutdown(reason string) {
	l.Broadcast(Goodbye{NodeID: l.self.ID, Reason: reason})
	time.Sleep(50 * time.Millisecond) // best-effort flush window
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		s.close()
	}
	l.sessions = make(map[cluster.NodeID]*session)
}
