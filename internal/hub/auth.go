package hub

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

const (
	sessionCookieName = "pp_session"
	sessionDuration   = 30 * 24 * time.Hour
)

// Principal is the authenticated caller of a request or socket.
type Principal struct {
	UserID string
	Admin  bool
}

// CanSee reports whether the principal may observe a resource owned by userID.
func (p *Principal) CanSee(userID string) bool {
	return p != nil && (p.Admin || p.UserID == userID)
}

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func sha256Sum(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// bearerToken extracts a token from the Authorization header or ?token=.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// principal resolves the caller: session cookie first, then API key.
// The static PIZZAPI_API_KEY maps to the owner principal for single-user,
// zero-config deployments. Returns nil when unauthenticated.
func (s *Server) principal(r *http.Request) *Principal {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		if u, err := s.Store.GetWebSession(c.Value); err == nil && u != nil {
			return &Principal{UserID: u.ID, Admin: u.Admin}
		}
	}
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	if s.Config.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.Config.APIKey)) == 1 {
		return &Principal{UserID: ownerUserID, Admin: true}
	}
	if u, err := s.Store.ValidateAPIKey(token); err == nil && u != nil {
		return &Principal{UserID: u.ID, Admin: u.Admin}
	}
	if s.jwtKey != nil {
		if claims, err := ValidateRunnerJWT(&s.jwtKey.PublicKey, token); err == nil {
			return &Principal{UserID: claims.Subject}
		}
	}
	return nil
}

// ownerUserID is the implicit principal behind the static API key.
const ownerUserID = "owner"

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	secure := strings.HasPrefix(s.Config.BaseURL, "https")
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
