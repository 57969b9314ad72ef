package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment configuration values for the relay.
// Values are loaded from a .env file if present, then from the process
// environment, falling back to the defaults below.
type Config struct {
	// ServerPort is the port the combined HTTP/WebSocket server listens on.
	ServerPort string

	// DataDir is the root of all persisted state: accounts, session
	// tokens, the history log, and uploaded blobs.
	DataDir string

	// HistoryRetention bounds how long persisted messages are kept.
	// Entries older than this are pruned.
	HistoryRetention time.Duration

	// FlushInterval is the cadence of the background history flusher.
	FlushInterval time.Duration

	// AuthTimeout is how long a new connection may sit in the auth
	// handshake before it is dropped.
	AuthTimeout time.Duration

	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	// Must be large enough for inline base64 file uploads.
	MaxMessageSize int64

	// ReplayFileLimit is the largest blob inlined as file_data during a
	// history replay. Larger files are announced by reference only.
	ReplayFileLimit int64

	// PermissiveBroadcast controls the fate of unrecognized message
	// kinds: broadcast-and-persist when true, silently dropped when
	// false.
	PermissiveBroadcast bool

	// Bot agent settings.
	BotEnabled     bool
	BotName        string
	BotChannel     string // channel where the bot answers everything
	BotTrigger     string // substring that summons the bot elsewhere
	BotIdleChatter bool   // unsolicited messages on a random interval
	BotAPIKey      string
	BotModel       string
	BotBaseURL     string
}

// Load reads environment variables and returns a populated Config.
func Load() *Config {
	// Not an error if the .env file is missing; production runs on real
	// environment variables.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		ServerPort:          getEnv("PORT", "8080"),
		DataDir:             getEnv("DATA_DIR", "server_data"),
		HistoryRetention:    getDuration("HISTORY_RETENTION", 24*time.Hour),
		FlushInterval:       getDuration("FLUSH_INTERVAL", 10*time.Second),
		AuthTimeout:         getDuration("AUTH_TIMEOUT", 60*time.Second),
		MaxMessageSize:      getInt64("MAX_MESSAGE_SIZE", 8<<20),
		ReplayFileLimit:     getInt64("REPLAY_FILE_LIMIT", 512<<10),
		PermissiveBroadcast: getBool("PERMISSIVE_BROADCAST", true),
		BotEnabled:          getBool("BOT_ENABLED", false),
		BotName:             getEnv("BOT_NAME", "RelayBot"),
		BotChannel:          getEnv("BOT_CHANNEL", "BotChat"),
		BotTrigger:          getEnv("BOT_TRIGGER", "bot"),
		BotIdleChatter:      getBool("BOT_IDLE_CHATTER", false),
		BotAPIKey:           getEnv("BOT_API_KEY", ""),
		BotModel:            getEnv("BOT_MODEL", "llama-3.3-70b-versatile"),
		BotBaseURL:          getEnv("BOT_BASE_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return b
}
