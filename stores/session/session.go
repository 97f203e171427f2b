package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/hkdf"
	"wuyrush.io/listings/common/logging"
	mw "wuyrush.io/listings/common/middleware"
	md "wuyrush.io/listings/models"
)

/*
The whole session lives in a signed and encrypted cookie on the client; the server keeps no session store.
It holds:
- a token derived from the admin key once the visitor proved they know it;
- the ids of listings the visitor unlocked with their password;
- one-shot flash messages.
*/

const (
	cookieName  = "listings"
	keyAdmin    = "admin"
	keyUnlocked = "unlocked_cards"
	hkdfInfo    = "listings session cookie"

	// MaxUnlocked caps the unlock set so the cookie stays well under the 4096 bytes browsers keep
	MaxUnlocked = 50
)

// NewCookieStore returns a cookie-backed sessions.Store whose signing and encryption keys are derived from
// secret. Cookies carry no Max-Age, so they last as long as the browser session.
func NewCookieStore(secret string) (*sessions.CookieStore, error) {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	hashKey, blockKey := make([]byte, 64), make([]byte, 32)
	if _, err := io.ReadFull(kdf, hashKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, blockKey); err != nil {
		return nil, err
	}
	cs := sessions.NewCookieStore(hashKey, blockKey)
	cs.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return cs, nil
}

// Gate decides what the bearer of a session may do: administer listings, and see the photos and contact
// details of protected listings.
type Gate struct {
	Store      sessions.Store
	adminKey   string
	adminToken string
}

// NewGate returns a Gate checking admins against adminKey. An empty adminKey disables admin access.
func NewGate(store sessions.Store, adminKey string) *Gate {
	g := &Gate{Store: store, adminKey: strings.TrimSpace(adminKey)}
	if g.adminKey != "" {
		mac := hmac.New(sha256.New, []byte(g.adminKey))
		mac.Write([]byte("listings admin"))
		g.adminToken = hex.EncodeToString(mac.Sum(nil))
	}
	return g
}

// AdminConfigured reports whether an admin key is set at all
func (g *Gate) AdminConfigured() bool {
	return g.adminKey != ""
}

func (g *Gate) session(r *http.Request) *sessions.Session {
	sess, err := g.Store.Get(r, cookieName)
	if err != nil {
		// a cookie signed with a rotated secret decodes to a fresh session
		logging.WithFuncName().WithError(err).Debug("discarding undecodable session cookie")
	}
	return sess
}

// IsAdmin reports whether the session proves knowledge of the admin key
func (g *Gate) IsAdmin(r *http.Request) bool {
	if g.adminToken == "" {
		return false
	}
	held, _ := g.session(r).Values[keyAdmin].(string)
	return held != "" && hmac.Equal([]byte(held), []byte(g.adminToken))
}

// Login marks the session as admin when key matches the admin key. It reports whether it did
func (g *Gate) Login(w http.ResponseWriter, r *http.Request, key string) (bool, error) {
	if g.adminKey == "" || !SecretMatches(strings.TrimSpace(key), g.adminKey) {
		return false, nil
	}
	sess := g.session(r)
	sess.Values[keyAdmin] = g.adminToken
	return true, sess.Save(r, w)
}

func (g *Gate) Logout(w http.ResponseWriter, r *http.Request) error {
	sess := g.session(r)
	delete(sess.Values, keyAdmin)
	return sess.Save(r, w)
}

// RequireAdmin is a middleware sending non-admin requests to loginPath
func (g *Gate) RequireAdmin(loginPath string) mw.Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			if !g.IsAdmin(r) {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}
			h(w, r, p)
		}
	}
}

// TryUnlock adds l to the session's unlock set when password matches. Listings without password need no
// unlocking and always succeed. It reports whether the listing is unlocked afterwards
func (g *Gate) TryUnlock(w http.ResponseWriter, r *http.Request, l *md.Listing, password string) (bool, error) {
	if !l.Protected() {
		return true, nil
	}
	password = strings.TrimSpace(password)
	if password == "" || !SecretMatches(password, strings.TrimSpace(l.Password)) {
		return false, nil
	}
	return true, g.Unlock(w, r, strings.TrimSpace(l.ID))
}

// Unlock adds id to the session's unlock set. Unlocking an id twice is a no-op. Once the set holds
// MaxUnlocked ids the oldest ones are forgotten
func (g *Gate) Unlock(w http.ResponseWriter, r *http.Request, id string) error {
	sess := g.session(r)
	ids, _ := sess.Values[keyUnlocked].([]string)
	for _, v := range ids {
		if v == id {
			return nil
		}
	}
	ids = append(ids, id)
	if len(ids) > MaxUnlocked {
		ids = append([]string{}, ids[len(ids)-MaxUnlocked:]...)
	}
	sess.Values[keyUnlocked] = ids
	return sess.Save(r, w)
}

// Unlocked returns the session's unlock set
func (g *Gate) Unlocked(r *http.Request) map[string]bool {
	ids, _ := g.session(r).Values[keyUnlocked].([]string)
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// CanViewPhotos reports whether the session may fetch photos of l. Photos of unknown listings (nil l) are
// not gated.
func (g *Gate) CanViewPhotos(r *http.Request, l *md.Listing) bool {
	if l == nil || !l.Protected() || g.IsAdmin(r) {
		return true
	}
	return g.Unlocked(r)[strings.TrimSpace(l.ID)]
}

// AddFlash queues a message shown on the next rendered page
func (g *Gate) AddFlash(w http.ResponseWriter, r *http.Request, msg string) error {
	sess := g.session(r)
	sess.AddFlash(msg)
	return sess.Save(r, w)
}

// Flashes pops queued messages. It must be called before the response header is written
func (g *Gate) Flashes(w http.ResponseWriter, r *http.Request) []string {
	sess := g.session(r)
	fs := sess.Flashes()
	if len(fs) == 0 {
		return nil
	}
	if err := sess.Save(r, w); err != nil {
		logging.WithFuncName().WithError(err).Error("error saving session after popping flashes")
	}
	msgs := make([]string, 0, len(fs))
	for _, f := range fs {
		if s, ok := f.(string); ok {
			msgs = append(msgs, s)
		}
	}
	return msgs
}

// SecretMatches compares two secrets in constant time
func SecretMatches(given, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}
