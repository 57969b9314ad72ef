package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds carried in the "type" field of every frame.
// One JSON object per frame; the kind selects which of the optional
// fields below are meaningful.
const (
	KindText         = "text"
	KindEmoji        = "emoji"
	KindFile         = "file"         // inline upload (client -> server only)
	KindFileRef      = "file_ref"     // broadcast/persisted file announcement
	KindFileRequest  = "file_request" // pull request for stored bytes
	KindFileData     = "file_data"    // point-to-point reply carrying bytes
	KindPM           = "pm"
	KindTyping       = "typing"
	KindInfo         = "info"
	KindDelete       = "delete"
	KindDeleteNotify = "delete_notify"
	KindEdit         = "edit"
	KindEditNotify   = "edit_notify"
	KindStatus       = "status_update"
	KindUserList     = "user_list"
	KindRegister     = "register"
	KindLogin        = "login"
	KindTokenLogin   = "token_login"
	KindJoin         = "join"
	KindRename       = "rename"
	KindLogout       = "logout"
	KindAuthSuccess  = "auth_success"
	KindAuthError    = "auth_error"
	KindSyncFinished = "sync_finished"
)

// Status is a presence status carried by status_update and user_list frames.
type Status string

// Presence statuses a session may advertise.
const (
	StatusOnline    Status = "Online"
	StatusAway      Status = "Away"
	StatusBusy      Status = "Busy"
	StatusInvisible Status = "Invisible"
)

// ValidStatus reports whether s is one of the known presence statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return true
	}
	return false
}

// SenderServer is the reserved sender name for server-generated notices.
const SenderServer = "Server"

// Anonymous is the reserved identity for unauthenticated sessions.
const Anonymous = "Anonymous"

// Message is the tagged union over every frame kind.
// Only the fields relevant to a given Type are populated; the rest are
// omitted from the wire encoding.
type Message struct {
	Type string `json:"type"`

	// Sender is the originating identity. Assigned server-side for
	// relayed traffic; client-supplied values are overwritten.
	Sender string `json:"sender,omitempty"`

	// Channel scopes channel traffic. Absent for PMs, which use Target.
	Channel string `json:"channel,omitempty"`

	// Target is the recipient identity of a pm.
	Target string `json:"target,omitempty"`

	Content string `json:"content,omitempty"`

	// MsgID uniquely identifies a persisted message. Assigned by the
	// server before storage if the client did not supply one.
	MsgID string `json:"msg_id,omitempty"`

	// Timestamp is server-assigned wall-clock seconds at ingestion.
	Timestamp float64 `json:"timestamp,omitempty"`

	// ReplyTo optionally back-references another msg_id. Not validated
	// for existence.
	ReplyTo string `json:"reply_to,omitempty"`

	// File transfer fields. Data carries base64-encoded bytes and is
	// present only on file (upload) and file_data (pull reply) frames.
	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Data     string `json:"data,omitempty"`

	// Status is the advertised presence for status_update frames.
	Status Status `json:"status,omitempty"`

	// Users is the full presence snapshot of a user_list frame.
	Users map[string]Status `json:"users,omitempty"`

	// Username is the confirmed identity carried by auth_success.
	Username string `json:"username,omitempty"`

	// Auth fields, never echoed to other clients.
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Remember bool   `json:"remember,omitempty"`

	// Sync requests a history replay during the auth handshake.
	Sync bool `json:"sync,omitempty"`
}

// Decode parses one wire frame and validates the fields its kind
// requires. Validation happens here, at the boundary, so downstream
// dispatch can assume well-formed messages.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unparseable frame: %w", err)
	}
	if m.Type == "" {
		m.Type = KindText
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Message) validate() error {
	switch m.Type {
	case KindPM:
		if m.Target == "" {
			return fmt.Errorf("pm requires target")
		}
	case KindFile:
		if m.Filename == "" || m.Data == "" {
			return fmt.Errorf("file upload requires filename and data")
		}
	case KindFileRequest:
		if m.FileID == "" {
			return fmt.Errorf("file_request requires file_id")
		}
	case KindDelete, KindEdit:
		if m.MsgID == "" {
			return fmt.Errorf("%s requires msg_id", m.Type)
		}
	case KindStatus:
		if !ValidStatus(m.Status) {
			return fmt.Errorf("unknown status %q", m.Status)
		}
	case KindRegister, KindLogin:
		if m.Sender == "" {
			return fmt.Errorf("%s requires sender", m.Type)
		}
	case KindTokenLogin:
		if m.Token == "" {
			return fmt.Errorf("token_login requires token")
		}
	}
	return nil
}

// Encode marshals the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Persistable reports whether this kind belongs in the history log.
// Ephemeral kinds (typing, info, user_list, notifications, status and
// auth traffic) are never persisted.
func (m *Message) Persistable() bool {
	switch m.Type {
	case KindText, KindEmoji, KindFileRef, KindPM:
		return true
	}
	return false
}

// Age returns how long ago the message was stamped, relative to now.
func (m *Message) Age(now time.Time) time.Duration {
	ts := time.Unix(0, int64(m.Timestamp*float64(time.Second)))
	return now.Sub(ts)
}

// Clone returns a shallow copy with its own Users map, safe to mutate
// independently of the original.
func (m *Message) Clone() *Message {
	c := *m
	if m.Users != nil {
		c.Users = make(map[string]Status, len(m.Users))
		for k, v := range m.Users {
			c.Users[k] = v
		}
	}
	return &c
}

// Now returns the current wall clock as wire timestamp seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
