package bot

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmallard/parley/internal/config"
	"github.com/jmallard/parley/internal/models"
	"github.com/jmallard/parley/internal/relay"
	"github.com/jmallard/parley/internal/store"
)

func testAgentConfig() *config.Config {
	return &config.Config{
		BotName:    "RelayBot",
		BotChannel: "BotChat",
		BotTrigger: "summon",
	}
}

func newTestAgent(reply ReplyFunc) *Agent {
	return New("ws://unused/", testAgentConfig(), reply)
}

func TestShouldRespond(t *testing.T) {
	a := newTestAgent(nil)

	cases := []struct {
		name string
		msg  *models.Message
		want bool
	}{
		{"direct pm", &models.Message{Type: models.KindPM, Sender: "alice", Target: "RelayBot", Content: "hi"}, true},
		{"pm to someone else", &models.Message{Type: models.KindPM, Sender: "alice", Target: "bob", Content: "hi"}, false},
		{"mention", &models.Message{Type: models.KindText, Sender: "alice", Content: "hey @RelayBot, thoughts?", Channel: "General"}, true},
		{"mention case-insensitive", &models.Message{Type: models.KindText, Sender: "alice", Content: "@relaybot hello", Channel: "General"}, true},
		{"always-respond channel", &models.Message{Type: models.KindText, Sender: "alice", Content: "anyone here?", Channel: "BotChat"}, true},
		{"trigger substring", &models.Message{Type: models.KindText, Sender: "alice", Content: "I summon thee", Channel: "General"}, true},
		{"plain chatter", &models.Message{Type: models.KindText, Sender: "alice", Content: "morning all", Channel: "General"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, a.shouldRespond(tc.msg))
		})
	}
}

func TestContextWindowsAreBounded(t *testing.T) {
	a := newTestAgent(nil)

	for i := 0; i < contextWindow*2; i++ {
		a.observe(&models.Message{Type: models.KindText, Sender: "alice", Content: "x", Channel: "General"})
	}
	turns := a.context(&models.Message{Type: models.KindText, Channel: "General"})
	assert.Len(t, turns, contextWindow)
}

func TestContextSeparatesChannelsAndPeers(t *testing.T) {
	a := newTestAgent(nil)

	a.observe(&models.Message{Type: models.KindText, Sender: "alice", Content: "in general", Channel: "General"})
	a.observe(&models.Message{Type: models.KindText, Sender: "bob", Content: "in testing", Channel: "Testing"})
	a.observe(&models.Message{Type: models.KindPM, Sender: "alice", Content: "private", Target: "RelayBot"})

	general := a.context(&models.Message{Type: models.KindText, Channel: "General"})
	require.Len(t, general, 1)
	assert.Equal(t, "alice: in general", general[0].Content)

	pm := a.context(&models.Message{Type: models.KindPM, Sender: "alice"})
	require.Len(t, pm, 1)
	assert.Equal(t, "alice: private", pm[0].Content)
}

func TestPresenceTracking(t *testing.T) {
	a := newTestAgent(nil)

	a.handle(context.Background(), &models.Message{
		Type:  models.KindUserList,
		Users: map[string]models.Status{"RelayBot": models.StatusOnline, "alice": models.StatusAway},
	})
	assert.Equal(t, 1, a.others)

	a.handle(context.Background(), &models.Message{
		Type:  models.KindUserList,
		Users: map[string]models.Status{"RelayBot": models.StatusOnline},
	})
	assert.Equal(t, 0, a.others)
}

// startRelay brings up a real relay server for the agent to dial.
func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:             dir,
		HistoryRetention:    24 * time.Hour,
		FlushInterval:       time.Second,
		AuthTimeout:         2 * time.Second,
		MaxMessageSize:      8 << 20,
		ReplayFileLimit:     512 << 10,
		PermissiveBroadcast: true,
		BotName:             "RelayBot",
	}
	accounts := store.NewAccounts(dir, models.Anonymous, cfg.BotName)
	history := store.NewHistory(dir, cfg.HistoryRetention)
	blobs, err := store.NewBlobs(dir)
	require.NoError(t, err)

	hub := relay.NewHub(cfg, accounts, history, blobs)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(relay.NewHandler(hub))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dialAndRegister(t *testing.T, srv *httptest.Server, user, pass string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	raw, err := (&models.Message{Type: models.KindRegister, Sender: user, Password: pass}).Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	m := readFrame(t, conn)
	require.Equal(t, models.KindAuthSuccess, m.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *models.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := models.Decode(raw)
	require.NoError(t, err)
	return m
}

func readFrameOfKind(t *testing.T, conn *websocket.Conn, kind string) *models.Message {
	t.Helper()
	for i := 0; i < 30; i++ {
		if m := readFrame(t, conn); m.Type == kind {
			return m
		}
	}
	t.Fatalf("never received %q frame", kind)
	return nil
}

func TestAgentRepliesToMention(t *testing.T) {
	srv := startRelay(t)

	reply := func(ctx context.Context, turns []Turn) (string, error) {
		require.NotEmpty(t, turns)
		return "happy to help", nil
	}
	agent := New(wsURL(srv), testAgentConfig(), reply)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)

	alice := dialAndRegister(t, srv, "alice", "pw1")

	// Wait until the bot shows up in presence before poking it.
	for {
		snapshot := readFrameOfKind(t, alice, models.KindUserList)
		if _, ok := snapshot.Users["RelayBot"]; ok {
			break
		}
	}

	raw, err := (&models.Message{Type: models.KindText, Content: "@RelayBot ping", Channel: "General"}).Encode()
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, raw))

	typing := readFrameOfKind(t, alice, models.KindTyping)
	assert.Equal(t, "RelayBot", typing.Sender)

	answer := readFrameOfKind(t, alice, models.KindText)
	assert.Equal(t, "RelayBot", answer.Sender)
	assert.Equal(t, "happy to help", answer.Content)
	assert.Equal(t, "General", answer.Channel)
}

func TestAgentRepliesToPMWithPM(t *testing.T) {
	srv := startRelay(t)

	agent := New(wsURL(srv), testAgentConfig(), func(ctx context.Context, turns []Turn) (string, error) {
		return "just between us", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)

	alice := dialAndRegister(t, srv, "alice", "pw1")
	for {
		snapshot := readFrameOfKind(t, alice, models.KindUserList)
		if _, ok := snapshot.Users["RelayBot"]; ok {
			break
		}
	}

	raw, err := (&models.Message{Type: models.KindPM, Target: "RelayBot", Content: "you there?"}).Encode()
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, raw))

	for {
		m := readFrameOfKind(t, alice, models.KindPM)
		if m.Sender == "RelayBot" {
			assert.Equal(t, "just between us", m.Content)
			assert.Equal(t, "alice", m.Target)
			break
		}
	}
}

func TestAgentIgnoresPlainChatter(t *testing.T) {
	srv := startRelay(t)

	called := make(chan struct{}, 1)
	agent := New(wsURL(srv), testAgentConfig(), func(ctx context.Context, turns []Turn) (string, error) {
		called <- struct{}{}
		return "should not happen", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)

	alice := dialAndRegister(t, srv, "alice", "pw1")
	for {
		snapshot := readFrameOfKind(t, alice, models.KindUserList)
		if _, ok := snapshot.Users["RelayBot"]; ok {
			break
		}
	}

	raw, err := (&models.Message{Type: models.KindText, Content: "nice weather", Channel: "General"}).Encode()
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, raw))

	select {
	case <-called:
		t.Fatal("agent generated a reply for plain chatter")
	case <-time.After(500 * time.Millisecond):
	}
}
