// Package relay implements the session/relay engine: the registry of
// live connections, the per-message routing and history rules, the
// out-of-band file transfer protocol, and the per-connection state
// machine that drives auth, replay, and the relay loop.
package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jmallard/parley/internal/config"
	"github.com/jmallard/parley/internal/models"
	"github.com/jmallard/parley/internal/store"
)

// envelope pairs an inbound message with the session it arrived on.
type envelope struct {
	from *Session
	msg  *models.Message
}

// Hub maintains the set of live sessions and routes every inbound
// message. All routing state is owned by the single Run goroutine;
// the mutex exists so sessions can take read snapshots (replay,
// presence) without entering the loop.
type Hub struct {
	cfg      *config.Config
	accounts *store.Accounts
	history  *store.History
	blobs    *store.Blobs

	sessions map[*Session]bool
	mu       sync.RWMutex

	register   chan *Session
	unregister chan *Session
	inbound    chan envelope
	done       chan struct{}
}

// NewHub creates a hub over the given stores. Call Run in its own
// goroutine before serving connections.
func NewHub(cfg *config.Config, accounts *store.Accounts, history *store.History, blobs *store.Blobs) *Hub {
	return &Hub{
		cfg:        cfg,
		accounts:   accounts,
		history:    history,
		blobs:      blobs,
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		inbound:    make(chan envelope, 64),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop: registration, unregistration, and
// message dispatch all happen here, one at a time. It returns when the
// context is cancelled, after closing every live connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case s := <-h.register:
			h.admit(s)

		case s := <-h.unregister:
			h.drop(s, true)

		case env := <-h.inbound:
			h.dispatch(env.from, env.msg)
		}
	}
}

// Done is closed once the event loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// admit registers an authenticated session, refreshes presence for
// everyone, and announces the arrival.
func (h *Hub) admit(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	total := len(h.sessions)
	h.mu.Unlock()

	identity := s.Identity()
	log.Printf("[Hub] + %s connected (total: %d)", identity, total)

	h.sendUserList()
	if identity != models.Anonymous {
		h.broadcast(joinNotice(identity, s.Channel()), nil)
	}
}

// drop removes a session from the registry and closes its send
// channel. This is the one mandatory cleanup path: it runs whether the
// connection ended normally, errored, or timed out.
func (h *Hub) drop(s *Session, announce bool) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	total := len(h.sessions)
	h.mu.Unlock()

	close(s.send)

	identity := s.Identity()
	log.Printf("[Hub] - %s disconnected (total: %d)", identity, total)

	if announce {
		h.sendUserList()
		h.broadcast(&models.Message{
			Type:      models.KindInfo,
			Sender:    models.SenderServer,
			Content:   fmt.Sprintf("%s left the chat.", identity),
			Timestamp: models.Now(),
			Channel:   s.Channel(),
		}, nil)
	}
}

// snapshot returns the current session set for fan-out.
func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// broadcast fans a message out to every live session except the one
// given. A failed send to one recipient never aborts delivery to the
// rest; recipients with a full buffer are dropped from the registry.
func (h *Hub) broadcast(m *models.Message, except *Session) {
	raw, err := m.Encode()
	if err != nil {
		log.Printf("[Hub] Could not encode %s message: %v", m.Type, err)
		return
	}

	var failed []*Session
	for _, s := range h.snapshot() {
		if s == except {
			continue
		}
		if !h.trySend(s, raw) {
			failed = append(failed, s)
		}
	}
	h.shedSlow(failed)
}

// deliverPM fans a pm out to every session bound to the sender or
// target identity, and no one else.
func (h *Hub) deliverPM(m *models.Message) {
	raw, err := m.Encode()
	if err != nil {
		log.Printf("[Hub] Could not encode pm: %v", err)
		return
	}

	var failed []*Session
	for _, s := range h.snapshot() {
		id := s.Identity()
		if id != m.Sender && id != m.Target {
			continue
		}
		if !h.trySend(s, raw) {
			failed = append(failed, s)
		}
	}
	h.shedSlow(failed)
}

// sendTo delivers a message to a single session (point-to-point reply).
func (h *Hub) sendTo(s *Session, m *models.Message) {
	raw, err := m.Encode()
	if err != nil {
		log.Printf("[Hub] Could not encode %s reply: %v", m.Type, err)
		return
	}
	if !h.trySend(s, raw) {
		h.shedSlow([]*Session{s})
	}
}

// trySend enqueues without blocking the event loop. A full buffer is
// the only backpressure signal a slow consumer gets.
func (h *Hub) trySend(s *Session, raw []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.sessions[s] {
		return false
	}
	select {
	case s.send <- raw:
		return true
	default:
		return false
	}
}

// shedSlow drops sessions whose send buffer filled up. Their own read
// loops will notice the closed transport and finish teardown.
func (h *Hub) shedSlow(failed []*Session) {
	for _, s := range failed {
		log.Printf("[Hub] Dropping %s: send buffer full", s.Identity())
		h.drop(s, true)
		s.conn.Close()
	}
}

// sendUserList broadcasts a full presence snapshot to every session.
// It is a complete map, not a diff, rebuilt on any membership or
// status change.
func (h *Hub) sendUserList() {
	users := make(map[string]models.Status)
	for _, s := range h.snapshot() {
		users[s.Identity()] = s.Status()
	}
	h.broadcast(&models.Message{
		Type:      models.KindUserList,
		Sender:    models.SenderServer,
		Users:     users,
		Timestamp: models.Now(),
	}, nil)
}

// closeAll closes every live connection during shutdown.
func (h *Hub) closeAll() {
	sessions := h.snapshot()
	for _, s := range sessions {
		s.conn.Close()
	}
	log.Printf("[Hub] Closed %d connections", len(sessions))
}

func joinNotice(identity, channel string) *models.Message {
	return &models.Message{
		Type:      models.KindInfo,
		Sender:    models.SenderServer,
		Content:   fmt.Sprintf("%s joined the chat", identity),
		Timestamp: models.Now(),
		Channel:   channel,
	}
}
