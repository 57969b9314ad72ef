package relay

import (
	"encoding/base64"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/jmallard/parley/internal/models"
	"github.com/jmallard/parley/internal/store"
)

// dispatch routes one inbound message by kind. Each kind has its own
// persistence and fan-out rule; persisted messages are stamped with a
// msg_id and server timestamp exactly once, before storage and before
// the first send, so every recipient and the log see identical values.
func (h *Hub) dispatch(from *Session, m *models.Message) {
	identity := from.Identity()
	if m.Channel != "" {
		from.setChannel(m.Channel)
	}

	switch m.Type {
	case models.KindText, models.KindEmoji:
		m.Sender = identity
		h.stamp(m)
		h.history.Append(m)
		h.broadcast(m, from)

	case models.KindFile:
		h.handleUpload(from, m)

	case models.KindFileRequest:
		h.handleFileRequest(from, m)

	case models.KindPM:
		m.Sender = identity
		m.Channel = ""
		h.stamp(m)
		h.history.Append(m)
		h.deliverPM(m)

	case models.KindTyping:
		// Relayed verbatim; the server keeps no typing state.
		m.Sender = identity
		h.broadcast(m, from)

	case models.KindDelete:
		// Silent no-op unless the requester owns the entry.
		if h.history.Delete(m.MsgID, identity) {
			h.broadcast(&models.Message{
				Type:      models.KindDeleteNotify,
				MsgID:     m.MsgID,
				Timestamp: models.Now(),
			}, nil)
		}

	case models.KindEdit:
		if h.history.Edit(m.MsgID, identity, m.Content) {
			h.broadcast(&models.Message{
				Type:      models.KindEditNotify,
				MsgID:     m.MsgID,
				Content:   m.Content,
				Timestamp: models.Now(),
			}, nil)
		}

	case models.KindStatus:
		from.setStatus(m.Status)
		h.sendUserList()

	case models.KindRegister, models.KindLogin, models.KindTokenLogin:
		h.upgradeIdentity(from, m)

	case models.KindRename:
		h.handleRename(from, m)

	case models.KindLogout:
		h.handleLogout(from, m)

	case models.KindJoin, models.KindAuthSuccess, models.KindAuthError, models.KindSyncFinished:
		// Handshake kinds have no meaning mid-session.

	default:
		if !h.cfg.PermissiveBroadcast {
			log.Printf("[Hub] Dropping unknown message kind %q from %s", m.Type, identity)
			return
		}
		// Unknown kinds ride the default broadcast-and-persist path.
		m.Sender = identity
		h.stamp(m)
		h.history.Append(m)
		h.broadcast(m, from)
	}
}

// stamp assigns msg_id and the server-side ingestion timestamp.
func (h *Hub) stamp(m *models.Message) {
	if m.MsgID == "" {
		m.MsgID = newID(12)
	}
	m.Timestamp = models.Now()
}

// handleUpload writes the decoded bytes to the blob store once, then
// persists and broadcasts only the reference. The bytes are never part
// of the fan-out; recipients pull them on demand.
func (h *Hub) handleUpload(from *Session, m *models.Message) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		log.Printf("[Hub] Discarding upload from %s: bad base64: %v", from.Identity(), err)
		return
	}

	fileID, err := h.blobs.Save(m.Filename, data)
	if err != nil {
		log.Printf("[Hub] Could not store upload from %s: %v", from.Identity(), err)
		return
	}

	ref := &models.Message{
		Type:     models.KindFileRef,
		Sender:   from.Identity(),
		Filename: m.Filename,
		Mime:     m.Mime,
		FileID:   fileID,
		Channel:  m.Channel,
	}
	h.stamp(ref)
	h.history.Append(ref)
	h.broadcast(ref, nil)
}

// handleFileRequest resolves a file id and replies to the requesting
// session alone with the base64 payload. The channel is recovered from
// the file's reference entry in the history log.
func (h *Hub) handleFileRequest(from *Session, m *models.Message) {
	data, name, mime, err := h.blobs.Open(m.FileID)
	if err != nil {
		log.Printf("[Hub] file_request %s from %s: %v", m.FileID, from.Identity(), err)
		return
	}

	h.sendTo(from, &models.Message{
		Type:      models.KindFileData,
		FileID:    m.FileID,
		Filename:  name,
		Mime:      mime,
		Data:      base64.StdEncoding.EncodeToString(data),
		Channel:   h.history.FindFileChannel(m.FileID),
		Timestamp: models.Now(),
	})
}

// upgradeIdentity handles a mid-session register/login/token_login.
// On success the session's identity changes in place; an upgrade from
// Anonymous is announced like a fresh join. Failures produce an
// auth_error to the requester only and are never fatal.
func (h *Hub) upgradeIdentity(from *Session, m *models.Message) {
	var (
		username string
		err      error
	)
	switch m.Type {
	case models.KindRegister:
		username = strings.TrimSpace(m.Sender)
		err = h.accounts.Register(username, m.Password)
	case models.KindLogin:
		username = strings.TrimSpace(m.Sender)
		err = h.accounts.Authenticate(username, m.Password)
	case models.KindTokenLogin:
		username, err = h.accounts.RedeemToken(m.Token)
	}
	if err != nil {
		h.sendTo(from, authError(err))
		return
	}

	old := from.Identity()
	from.setIdentity(username)
	log.Printf("[Hub] %s authenticated as %s", old, username)

	success := &models.Message{Type: models.KindAuthSuccess, Username: username}
	if m.Remember && !h.accounts.Reserved(username) {
		if token, err := h.accounts.IssueToken(username); err == nil {
			success.Token = token
		}
	}
	h.sendTo(from, success)

	if old == models.Anonymous && username != models.Anonymous {
		h.broadcast(joinNotice(username, from.Channel()), nil)
	}
	h.sendUserList()
}

// handleRename is the legacy identity change used by old clients that
// never authenticate. An upgrade away from Anonymous is treated as a
// join.
func (h *Hub) handleRename(from *Session, m *models.Message) {
	newName := strings.TrimSpace(m.Sender)
	if newName == "" {
		newName = models.Anonymous
	}
	old := from.Identity()
	from.setIdentity(newName)
	log.Printf("[Hub] %s is now known as %s", old, newName)

	if old == models.Anonymous && newName != models.Anonymous {
		h.sendTo(from, &models.Message{Type: models.KindAuthSuccess, Username: newName})
		h.broadcast(joinNotice(newName, from.Channel()), nil)
	}
	h.sendUserList()
}

// handleLogout downgrades the session back to Anonymous and revokes the
// presented token, if any. The connection itself stays open.
func (h *Hub) handleLogout(from *Session, m *models.Message) {
	if m.Token != "" {
		h.accounts.RevokeToken(m.Token)
	}
	old := from.Identity()
	if old == models.Anonymous {
		return
	}
	from.setIdentity(models.Anonymous)
	log.Printf("[Hub] %s logged out", old)
	h.sendUserList()
}

// authError maps store errors onto the wire auth_error phrases clients
// display verbatim.
func authError(err error) *models.Message {
	content := "Authentication failed"
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		content = "Username taken"
	case errors.Is(err, store.ErrInvalidCredential):
		content = "Invalid credentials"
	case errors.Is(err, store.ErrSessionExpired):
		content = "Session expired"
	case errors.Is(err, store.ErrReservedName):
		content = "Username reserved"
	case errors.Is(err, errMustAuthenticate):
		content = "Must login or register"
	}
	return &models.Message{Type: models.KindAuthError, Content: content}
}

// newID returns a short unique identifier for messages and files.
func newID(n int) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n < len(id) {
		return id[:n]
	}
	return id
}
