// Package bot implements the automated agent. It connects to the relay
// over loopback as an ordinary client with a reserved identity, watches
// the broadcast stream, and injects replies produced by an opaque
// reply function.
package bot

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmallard/parley/internal/config"
	"github.com/jmallard/parley/internal/models"
)

const (
	reconnectDelay = 3 * time.Second
	replyTimeout   = 30 * time.Second
	writeWait      = 10 * time.Second

	// contextWindow bounds how many prior turns are fed to the reply
	// function per channel or per PM peer.
	contextWindow = 8

	idleChatterMin = 5 * time.Minute
	idleChatterMax = 15 * time.Minute
)

// Turn is one entry of the conversation context handed to ReplyFunc.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// ReplyFunc produces the bot's reply text from a bounded context
// window. The text generation itself is an external collaborator; the
// agent only decides when to call it and what shape the reply takes.
type ReplyFunc func(ctx context.Context, turns []Turn) (string, error)

// Agent is the bot client. It keeps a rolling context window per
// channel and a persistent rolling window per PM peer, and optionally
// emits unsolicited messages on a randomized interval while at least
// one non-bot session is present.
type Agent struct {
	url     string
	name    string
	channel string // always-respond channel
	trigger string
	idle    bool
	reply   ReplyFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	channelLogs map[string][]Turn
	pmLogs      map[string][]Turn
	others      int // non-bot users seen in the last presence snapshot
}

// New creates an agent that will dial serverURL (a ws:// endpoint).
func New(serverURL string, cfg *config.Config, reply ReplyFunc) *Agent {
	return &Agent{
		url:         serverURL,
		name:        cfg.BotName,
		channel:     cfg.BotChannel,
		trigger:     strings.ToLower(cfg.BotTrigger),
		idle:        cfg.BotIdleChatter,
		reply:       reply,
		channelLogs: make(map[string][]Turn),
		pmLogs:      make(map[string][]Turn),
	}
}

// Run connects, observes, and reconnects with a fixed delay until the
// context is cancelled. Call in its own goroutine.
func (a *Agent) Run(ctx context.Context) {
	if a.idle {
		go a.idleChatter(ctx)
	}

	for ctx.Err() == nil {
		if err := a.serve(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Bot] Disconnected (%v), retrying...", err)
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
		}
	}
}

// serve runs one connection: join as the reserved identity, then
// process the stream until it breaks.
func (a *Agent) serve(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.others = 0
		a.mu.Unlock()
	}()

	if err := a.send(&models.Message{Type: models.KindJoin, Sender: a.name}); err != nil {
		return err
	}
	log.Printf("[Bot] %s connected to %s", a.name, a.url)

	// Unblock the read loop when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := models.Decode(raw)
		if err != nil {
			continue
		}
		a.handle(ctx, m)
	}
}

// handle processes one observed frame.
func (a *Agent) handle(ctx context.Context, m *models.Message) {
	switch m.Type {
	case models.KindUserList:
		a.mu.Lock()
		a.others = 0
		for user := range m.Users {
			if user != a.name {
				a.others++
			}
		}
		a.mu.Unlock()
		return

	case models.KindText, models.KindEmoji, models.KindPM:
		if m.Sender == a.name || m.Sender == models.SenderServer {
			return
		}
	default:
		return
	}

	a.observe(m)

	if !a.shouldRespond(m) {
		return
	}

	channel := m.Channel
	if channel == "" {
		channel = "General"
	}
	a.send(&models.Message{Type: models.KindTyping, Sender: a.name, Channel: channel})

	turns := a.context(m)
	callCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	reply, err := a.reply(callCtx, turns)
	cancel()
	if err != nil {
		log.Printf("[Bot] Reply generation failed: %v", err)
		return
	}
	if reply == "" {
		return
	}

	var out *models.Message
	if m.Type == models.KindPM {
		out = &models.Message{Type: models.KindPM, Sender: a.name, Target: m.Sender, Content: reply}
		a.record(a.pmLogs, m.Sender, Turn{Role: "assistant", Content: reply})
	} else {
		out = &models.Message{Type: models.KindText, Sender: a.name, Content: reply, Channel: channel}
		a.record(a.channelLogs, channel, Turn{Role: "assistant", Content: reply})
	}
	a.send(out)
}

// shouldRespond implements the trigger rules: a direct PM, an
// @-mention, the always-respond channel, or the trigger substring.
func (a *Agent) shouldRespond(m *models.Message) bool {
	if m.Type == models.KindPM {
		return m.Target == a.name
	}
	content := strings.ToLower(m.Content)
	switch {
	case strings.Contains(content, "@"+strings.ToLower(a.name)):
		return true
	case m.Channel == a.channel:
		return true
	case a.trigger != "" && strings.Contains(content, a.trigger):
		return true
	}
	return false
}

// observe appends the message to the relevant rolling window.
func (a *Agent) observe(m *models.Message) {
	turn := Turn{Role: "user", Content: fmt.Sprintf("%s: %s", m.Sender, m.Content)}
	if m.Type == models.KindPM {
		a.record(a.pmLogs, m.Sender, turn)
		return
	}
	channel := m.Channel
	if channel == "" {
		channel = "General"
	}
	a.record(a.channelLogs, channel, turn)
}

func (a *Agent) record(logs map[string][]Turn, key string, turn Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	window := append(logs[key], turn)
	if len(window) > contextWindow {
		window = window[len(window)-contextWindow:]
	}
	logs[key] = window
}

// context returns a copy of the window the reply should be grounded
// in: the per-peer window for PMs, the channel window otherwise.
func (a *Agent) context(m *models.Message) []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	var window []Turn
	if m.Type == models.KindPM {
		window = a.pmLogs[m.Sender]
	} else {
		channel := m.Channel
		if channel == "" {
			channel = "General"
		}
		window = a.channelLogs[channel]
	}
	out := make([]Turn, len(window))
	copy(out, window)
	return out
}

// send writes one frame on the current connection, if any.
func (a *Agent) send(m *models.Message) error {
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, raw)
}

// idleChatter emits an unsolicited message on a randomized interval
// while someone is around to read it. Engagement behavior, nothing
// here is correctness-critical.
func (a *Agent) idleChatter(ctx context.Context) {
	for {
		delay := idleChatterMin + time.Duration(rand.Int63n(int64(idleChatterMax-idleChatterMin)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		a.mu.Lock()
		present := a.others > 0 && a.conn != nil
		window := make([]Turn, len(a.channelLogs[a.channel]))
		copy(window, a.channelLogs[a.channel])
		a.mu.Unlock()
		if !present {
			continue
		}

		turns := append(window, Turn{Role: "user", Content: "Say something to get the room talking."})
		callCtx, cancel := context.WithTimeout(ctx, replyTimeout)
		reply, err := a.reply(callCtx, turns)
		cancel()
		if err != nil || reply == "" {
			continue
		}
		a.record(a.channelLogs, a.channel, Turn{Role: "assistant", Content: reply})
		a.send(&models.Message{Type: models.KindText, Sender: a.name, Content: reply, Channel: a.channel})
	}
}
