package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Hub holds relay hub settings, loaded from PIZZAPI_* environment variables
// with flag overrides applied by the CLI.
type Hub struct {
	Addr      string // listen address
	BaseURL   string // external URL, used for cookie security and links
	DataDir   string // session logs, snapshots, attachments, sqlite db
	JWTKey    string // base64 DER P-256 private key; empty = generate ephemeral
	APIKey    string // static API key accepted for runner + viewer auth
	LogLevel  string
	LogFile   string
}

// LoadHub reads hub configuration from the environment.
func LoadHub() *Hub {
	return &Hub{
		Addr:     envOr("PIZZAPI_ADDR", ":8080"),
		BaseURL:  envOr("PIZZAPI_BASE_URL", "http://localhost:8080"),
		DataDir:  envOr("PIZZAPI_DATA_DIR", defaultDataDir()),
		JWTKey:   os.Getenv("PIZZAPI_JWT_KEY"),
		APIKey:   os.Getenv("PIZZAPI_API_KEY"),
		LogLevel: envOr("PIZZAPI_LOG_LEVEL", "info"),
		LogFile:  os.Getenv("PIZZAPI_LOG_FILE"),
	}
}

// SessionsDir is where per-session .log and .snap files live.
func (h *Hub) SessionsDir() string { return filepath.Join(h.DataDir, "sessions") }

// AttachmentsDir is the content-addressed attachment store root.
func (h *Hub) AttachmentsDir() string { return filepath.Join(h.DataDir, "attachments") }

// DBPath is the sqlite index database.
func (h *Hub) DBPath() string { return filepath.Join(h.DataDir, "hub.db") }

// Runner holds runner daemon settings from the environment.
type Runner struct {
	RelayURL  string // e.g. "wss://hub.example.com" (PIZZAPI_RELAY_URL)
	APIKey    string // PIZZAPI_API_KEY, falling back to legacy PIZZAPI_RUNNER_TOKEN
	StatePath string // runner.json lock file (PIZZAPI_RUNNER_STATE_PATH)
	Roots     []string
	LogLevel  string
	LogFile   string
}

// LoadRunner reads runner configuration from the environment.
// Workspace roots come from PIZZAPI_WORKSPACE_ROOTS (comma-separated) or the
// singular PIZZAPI_WORKSPACE_ROOT; empty means unrestricted.
func LoadRunner() *Runner {
	apiKey := os.Getenv("PIZZAPI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("PIZZAPI_RUNNER_TOKEN")
	}
	return &Runner{
		RelayURL:  envOr("PIZZAPI_RELAY_URL", "ws://localhost:8080"),
		APIKey:    apiKey,
		StatePath: envOr("PIZZAPI_RUNNER_STATE_PATH", defaultStatePath()),
		Roots:     ParseRoots(os.Getenv("PIZZAPI_WORKSPACE_ROOTS"), os.Getenv("PIZZAPI_WORKSPACE_ROOT")),
		LogLevel:  envOr("PIZZAPI_LOG_LEVEL", "info"),
		LogFile:   os.Getenv("PIZZAPI_LOG_FILE"),
	}
}

// ParseRoots splits the comma-separated roots list, cleaning each entry.
// The singular form is used only when the plural is unset.
func ParseRoots(plural, singular string) []string {
	raw := plural
	if raw == "" {
		raw = singular
	}
	if raw == "" {
		return nil
	}
	var roots []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		roots = append(roots, filepath.Clean(p))
	}
	return roots
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pizzapi"
	}
	return filepath.Join(home, ".pizzapi", "hub")
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pizzapi/runner.json"
	}
	return filepath.Join(home, ".pizzapi", "runner.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
