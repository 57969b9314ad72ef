package relay

import (
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmallard/parley/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

var errMustAuthenticate = errors.New("must login or register")

// Session is one live connection and its ephemeral state: a bound
// identity, a presence status, and a channel focus for legacy clients.
// It is created on successful auth and destroyed on disconnect; the
// identity changes only through an explicit re-authentication message.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	addr string

	mu       sync.RWMutex
	username string
	status   models.Status
	channel  string

	syncRequested bool
}

func newSession(hub *Hub, conn *websocket.Conn, addr string) *Session {
	conn.SetReadLimit(hub.cfg.MaxMessageSize)
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		addr:     addr,
		username: models.Anonymous,
		status:   models.StatusOnline,
		channel:  "General",
	}
}

// Identity returns the session's bound identity.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setIdentity(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// Status returns the advertised presence status.
func (s *Session) Status() models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st models.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Channel returns the session's focused channel.
func (s *Session) Channel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

func (s *Session) setChannel(ch string) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

// run drives the connection through its lifetime: auth handshake,
// registration, optional history replay, then the relay pumps. The
// deferred unregister inside readPump is the one mandatory cleanup and
// runs on every exit path after admission.
func (s *Session) run() {
	if !s.authenticate() {
		s.conn.Close()
		return
	}

	// Register before replaying so live traffic queues in the send
	// buffer while the replay is written directly on the conn. The
	// write pump starts after sync_finished, so this connection always
	// receives auth_success, then history, then sync_finished, then
	// live messages, in that order.
	select {
	case s.hub.register <- s:
	case <-s.hub.done:
		s.conn.Close()
		return
	}

	if s.syncRequested {
		if err := s.replay(); err != nil {
			log.Printf("[Session] Replay to %s aborted: %v", s.addr, err)
		}
	}

	go s.writePump()
	s.readPump()
}

// authenticate runs the handshake loop. The first accepted frame must
// be register, login, token_login, or join (the latter only for
// Anonymous and the reserved bot identity). Failures are reported to
// this client alone and are non-fatal; a receive timeout is treated as
// abandonment and silently ends the connection.
func (s *Session) authenticate() bool {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.AuthTimeout)); err != nil {
			return false
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return false
		}
		m, err := models.Decode(raw)
		if err != nil {
			continue
		}

		var (
			username string
			authErr  error
		)
		switch m.Type {
		case models.KindRegister:
			username = strings.TrimSpace(m.Sender)
			authErr = s.hub.accounts.Register(username, m.Password)
		case models.KindLogin:
			username = strings.TrimSpace(m.Sender)
			authErr = s.hub.accounts.Authenticate(username, m.Password)
		case models.KindTokenLogin:
			username, authErr = s.hub.accounts.RedeemToken(m.Token)
		case models.KindJoin:
			username = strings.TrimSpace(m.Sender)
			if username == "" {
				username = models.Anonymous
			}
			if username != models.Anonymous && !s.hub.accounts.Reserved(username) {
				authErr = errMustAuthenticate
			}
		default:
			authErr = errMustAuthenticate
		}

		if authErr != nil {
			if err := s.writeMessage(authError(authErr)); err != nil {
				return false
			}
			continue
		}

		s.setIdentity(username)
		s.syncRequested = m.Sync

		success := &models.Message{Type: models.KindAuthSuccess, Username: username}
		if m.Remember && username != models.Anonymous && !s.hub.accounts.Reserved(username) {
			if token, err := s.hub.accounts.IssueToken(username); err == nil {
				success.Token = token
			}
		}
		return s.writeMessage(success) == nil
	}
}

// replay writes the filtered history onto the connection: PM entries
// only when this identity is sender or target, and file bytes inlined
// only for blobs within the replay size limit (larger files are
// announced by reference alone). Ends with the sync_finished sentinel.
func (s *Session) replay() error {
	identity := s.Identity()
	entries := s.hub.history.Snapshot(func(m *models.Message) bool {
		if m.Type == models.KindPM {
			return m.Sender == identity || m.Target == identity
		}
		return true
	})

	for i := range entries {
		m := &entries[i]
		if err := s.writeMessage(m); err != nil {
			return err
		}
		if m.Type == models.KindFileRef {
			s.replayFile(m)
		}
	}
	return s.writeMessage(&models.Message{Type: models.KindSyncFinished})
}

// replayFile inlines the bytes for a replayed file reference when the
// stored blob is small enough. Best effort: a missing or oversized
// blob leaves the bare reference, which the client can still pull.
func (s *Session) replayFile(ref *models.Message) {
	size, err := s.hub.blobs.Size(ref.FileID)
	if err != nil || size > s.hub.cfg.ReplayFileLimit {
		return
	}
	data, name, mime, err := s.hub.blobs.Open(ref.FileID)
	if err != nil {
		return
	}
	s.writeMessage(&models.Message{
		Type:      models.KindFileData,
		FileID:    ref.FileID,
		Filename:  name,
		Mime:      mime,
		Data:      base64.StdEncoding.EncodeToString(data),
		Timestamp: ref.Timestamp,
		Channel:   ref.Channel,
	})
}

// writeMessage writes one frame directly on the conn. Only valid
// before the write pump starts.
func (s *Session) writeMessage(m *models.Message) error {
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// readPump pumps frames from the connection into the hub. Frames that
// do not parse as structured data are silently discarded. This runs
// for the life of the connection; its deferred unregister is the
// mandatory cleanup path.
func (s *Session) readPump() {
	defer func() {
		// The hub loop may already have exited during shutdown.
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Session] Read error from %s: %v", s.addr, err)
			}
			break
		}

		m, err := models.Decode(raw)
		if err != nil {
			continue
		}
		select {
		case s.hub.inbound <- envelope{from: s, msg: m}:
		case <-s.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the connection and keeps it
// alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain any queued messages as separate frames
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
