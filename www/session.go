package www

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionName = "ordertrack_session"
	sessionKey  = "sid"
)

// sessionStore hands every browser a stable random session id, kept in an
// encrypted cookie. The id scopes the tracked order.
type sessionStore struct {
	store *sessions.CookieStore
}

func newSessionStore(secret string, maxAge int) *sessionStore {
	hashKey, blockKey := deriveKeys(secret)
	cs := sessions.NewCookieStore(hashKey, blockKey)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: cs}
}

// deriveKeys expands secret into independent signing and encryption keys.
// Without a secret, cookies only survive until restart.
func deriveKeys(secret string) (hashKey, blockKey []byte) {
	master := []byte(secret)
	if len(master) == 0 {
		master = make([]byte, 32)
		rand.Read(master)
	}
	r := hkdf.New(sha256.New, master, nil, []byte("ordertrack session cookie"))
	hashKey = make([]byte, 32)
	blockKey = make([]byte, 32)
	io.ReadFull(r, hashKey)
	io.ReadFull(r, blockKey)
	return hashKey, blockKey
}

// id returns the caller's session id, issuing a new one (and its cookie) if
// the request has none or an unreadable one. It must run before the response
// body is written.
func (s *sessionStore) id(w http.ResponseWriter, r *http.Request) (string, error) {
	sess, _ := s.store.Get(r, sessionName)
	if sid, ok := sess.Values[sessionKey].(string); ok && sid != "" {
		return sid, nil
	}
	sid := uuid.NewString()
	sess.Values[sessionKey] = sid
	if err := sess.Save(r, w); err != nil {
		return "", err
	}
	return sid, nil
}
