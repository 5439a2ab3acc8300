package hub

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the hub's sqlite-backed index: users, web sessions, API keys,
// runner identities, and the session index. Event transcripts live in the
// persistence shim, not here.
type Store struct {
	db *sql.DB
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// User is an authenticated principal row.
type User struct {
	ID    string
	Email string
	Admin bool
}

func (s *Store) CreateUser(id, email string, admin bool) error {
	_, err := s.db.Exec("INSERT INTO users (id, email, admin) VALUES (?, ?, ?)", id, email, admin)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow("SELECT id, COALESCE(email, ''), admin FROM users WHERE id = ?", id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Admin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateWebSession stores a cookie session token.
func (s *Store) CreateWebSession(token, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO web_sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, expiresAt.UTC().Format(sqlTime),
	)
	if err != nil {
		return fmt.Errorf("create web session: %w", err)
	}
	return nil
}

// GetWebSession resolves a cookie token to its user; expired tokens miss.
func (s *Store) GetWebSession(token string) (*User, error) {
	now := time.Now().UTC().Format(sqlTime)
	row := s.db.QueryRow(
		`SELECT u.id, COALESCE(u.email, ''), u.admin FROM web_sessions ws
		 JOIN users u ON u.id = ws.user_id
		 WHERE ws.token = ? AND ws.expires_at > ?`, token, now)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Admin); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get web session: %w", err)
	}
	return &u, nil
}

func (s *Store) DeleteWebSession(token string) error {
	_, err := s.db.Exec("DELETE FROM web_sessions WHERE token = ?", token)
	return err
}

// CreateAPIKey hashes and stores an API key for a user.
func (s *Store) CreateAPIKey(key, userID, label string) error {
	hash, err := bcrypt.GenerateFromPassword(keyDigest(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}
	_, err = s.db.Exec("INSERT INTO api_keys (key_hash, user_id, label) VALUES (?, ?, ?)", string(hash), userID, label)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// ValidateAPIKey resolves an API key to its user, or nil when unknown.
func (s *Store) ValidateAPIKey(key string) (*User, error) {
	rows, err := s.db.Query(
		`SELECT k.key_hash, u.id, COALESCE(u.email, ''), u.admin FROM api_keys k
		 JOIN users u ON u.id = k.user_id`)
	if err != nil {
		return nil, fmt.Errorf("validate api key: %w", err)
	}
	defer rows.Close()
	digest := keyDigest(key)
	for rows.Next() {
		var hash string
		var u User
		if err := rows.Scan(&hash, &u.ID, &u.Email, &u.Admin); err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), digest) == nil {
			return &u, nil
		}
	}
	return nil, rows.Err()
}

// RunnerIdentity pins a runner_id to the secret presented at first registration.
type RunnerIdentity struct {
	RunnerID   string
	SecretHash string
	UserID     string
	Name       string
}

func (s *Store) GetRunnerIdentity(runnerID string) (*RunnerIdentity, error) {
	row := s.db.QueryRow(
		"SELECT runner_id, secret_hash, user_id, COALESCE(name, '') FROM runners WHERE runner_id = ?", runnerID)
	var ri RunnerIdentity
	if err := row.Scan(&ri.RunnerID, &ri.SecretHash, &ri.UserID, &ri.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get runner identity: %w", err)
	}
	return &ri, nil
}

// UpsertRunnerIdentity registers a new runner or verifies an existing one.
// Returns ErrForbidden when the presented secret does not match the stored hash.
func (s *Store) UpsertRunnerIdentity(runnerID, secret, userID, name string) error {
	existing, err := s.GetRunnerIdentity(runnerID)
	if err != nil {
		return err
	}
	if existing != nil {
		if bcrypt.CompareHashAndPassword([]byte(existing.SecretHash), keyDigest(secret)) != nil {
			return ErrForbidden
		}
		_, err = s.db.Exec(
			"UPDATE runners SET name = ?, last_seen = CURRENT_TIMESTAMP WHERE runner_id = ?", name, runnerID)
		return err
	}
	hash, err := bcrypt.GenerateFromPassword(keyDigest(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash runner secret: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO runners (runner_id, secret_hash, user_id, name, last_seen) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)",
		runnerID, string(hash), userID, name)
	if err != nil {
		return fmt.Errorf("insert runner identity: %w", err)
	}
	return nil
}

// SessionRow mirrors a session's header into sqlite for listing across restarts.
type SessionRow struct {
	SessionID string
	UserID    string
	RunnerID  string
	Cwd       string
	Name      string
	State     string
	Ephemeral bool
	ExpiresAt *time.Time
	StartedAt time.Time
}

func (s *Store) UpsertSessionIndex(row SessionRow) error {
	var expires any
	if row.ExpiresAt != nil {
		expires = row.ExpiresAt.UTC().Format(sqlTime)
	}
	_, err := s.db.Exec(
		`INSERT INTO session_index (session_id, user_id, runner_id, cwd, name, state, ephemeral, expires_at, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET name = excluded.name, state = excluded.state, expires_at = excluded.expires_at`,
		row.SessionID, row.UserID, row.RunnerID, row.Cwd, row.Name, row.State,
		row.Ephemeral, expires, row.StartedAt.UTC().Format(sqlTime))
	if err != nil {
		return fmt.Errorf("upsert session index: %w", err)
	}
	return nil
}

func (s *Store) DeleteSessionIndex(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM session_index WHERE session_id = ?", sessionID)
	return err
}

func (s *Store) ListSessionsForUser(userID string, admin bool) ([]SessionRow, error) {
	q := `SELECT session_id, user_id, runner_id, COALESCE(cwd, ''), COALESCE(name, ''), state, ephemeral, expires_at, started_at
	      FROM session_index WHERE user_id = ? ORDER BY started_at DESC`
	args := []any{userID}
	if admin {
		q = `SELECT session_id, user_id, runner_id, COALESCE(cwd, ''), COALESCE(name, ''), state, ephemeral, expires_at, started_at
		     FROM session_index ORDER BY started_at DESC`
		args = nil
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var expires sql.NullString
		var started string
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.RunnerID, &r.Cwd, &r.Name, &r.State, &r.Ephemeral, &expires, &started); err != nil {
			return nil, err
		}
		if expires.Valid {
			if t, err := time.Parse(sqlTime, expires.String); err == nil {
				r.ExpiresAt = &t
			}
		}
		if t, err := time.Parse(sqlTime, started); err == nil {
			r.StartedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const sqlTime = "2006-01-02 15:04:05"

// keyDigest pre-hashes secrets so bcrypt's 72-byte input cap never truncates.
func keyDigest(key string) []byte {
	sum := sha256Sum(key)
	return sum[:]
}
