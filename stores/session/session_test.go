package session

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	hr "github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	md "wuyrush.io/listings/models"
)

func newTestGate(t *testing.T, adminKey string) *Gate {
	cs, err := NewCookieStore("test-secret")
	require.NoError(t, err)
	return NewGate(cs, adminKey)
}

// carry replays the cookies set by rec onto a new request, the way a browser would: a later Set-Cookie
// of the same name replaces an earlier one
func carry(rec *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	latest := map[string]*http.Cookie{}
	names := []string{}
	for _, c := range rec.Result().Cookies() {
		if _, ok := latest[c.Name]; !ok {
			names = append(names, c.Name)
		}
		latest[c.Name] = c
	}
	for _, n := range names {
		r.AddCookie(latest[n])
	}
	return r
}

func TestNewCookieStore_DerivedKeysAreStable(t *testing.T) {
	g1 := newTestGate(t, "k")
	rec := httptest.NewRecorder()
	ok, err := g1.Login(rec, httptest.NewRequest(http.MethodPost, "/", nil), "k")
	require.NoError(t, err)
	require.True(t, ok)

	// a restarted server with the same secret still accepts the cookie
	g2 := newTestGate(t, "k")
	assert.True(t, g2.IsAdmin(carry(rec)))

	// one with another secret does not
	other, err := NewCookieStore("rotated")
	require.NoError(t, err)
	assert.False(t, NewGate(other, "k").IsAdmin(carry(rec)))
}

func TestGate_Login(t *testing.T) {
	tcs := []struct {
		name      string
		adminKey  string
		given     string
		expectOK  bool
		expectSet bool
	}{
		{name: "RightKey", adminKey: "s3cret", given: "s3cret", expectOK: true, expectSet: true},
		{name: "RightKeyPadded", adminKey: "s3cret", given: "  s3cret ", expectOK: true, expectSet: true},
		{name: "WrongKey", adminKey: "s3cret", given: "nope"},
		{name: "EmptyKey", adminKey: "s3cret", given: ""},
		{name: "NotConfigured", adminKey: "", given: ""},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			g := newTestGate(t, c.adminKey)
			rec := httptest.NewRecorder()
			ok, err := g.Login(rec, httptest.NewRequest(http.MethodPost, "/", nil), c.given)
			require.NoError(t, err)
			assert.Equal(t, c.expectOK, ok)
			assert.Equal(t, c.expectSet, g.IsAdmin(carry(rec)))
		})
	}
}

func TestGate_Logout(t *testing.T) {
	g := newTestGate(t, "k")
	rec := httptest.NewRecorder()
	_, err := g.Login(rec, httptest.NewRequest(http.MethodPost, "/", nil), "k")
	require.NoError(t, err)

	rec2 := httptest.NewRecorder()
	require.NoError(t, g.Logout(rec2, carry(rec)))
	assert.False(t, g.IsAdmin(carry(rec2)))
}

func TestGate_RequireAdmin(t *testing.T) {
	g := newTestGate(t, "k")
	called := false
	h := g.RequireAdmin("/admin/login")(func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		called = true
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/admin", nil), nil)
	assert.False(t, called)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/login", rec.Header().Get("Location"))

	login := httptest.NewRecorder()
	_, err := g.Login(login, httptest.NewRequest(http.MethodPost, "/", nil), "k")
	require.NoError(t, err)
	h(httptest.NewRecorder(), carry(login), nil)
	assert.True(t, called)
}

func TestGate_TryUnlock(t *testing.T) {
	g := newTestGate(t, "")
	protected := &md.Listing{ID: "X1", Password: "abc"}
	open := &md.Listing{ID: "X2"}

	tcs := []struct {
		name     string
		listing  *md.Listing
		password string
		expected bool
	}{
		{name: "WrongPassword", listing: protected, password: "abd", expected: false},
		{name: "EmptyPassword", listing: protected, password: "", expected: false},
		{name: "RightPassword", listing: protected, password: " abc ", expected: true},
		{name: "Unprotected", listing: open, password: "", expected: true},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ok, err := g.TryUnlock(rec, httptest.NewRequest(http.MethodPost, "/", nil), c.listing, c.password)
			require.NoError(t, err)
			assert.Equal(t, c.expected, ok)
			assert.Equal(t, c.expected, g.CanViewPhotos(carry(rec), c.listing))
		})
	}
}

func TestGate_UnlockIdempotent(t *testing.T) {
	g := newTestGate(t, "")
	rec := httptest.NewRecorder()
	require.NoError(t, g.Unlock(rec, httptest.NewRequest(http.MethodPost, "/", nil), "X1"))
	rec2 := httptest.NewRecorder()
	require.NoError(t, g.Unlock(rec2, carry(rec), "X1"))

	// the second unlock changed nothing, so the first cookie is still the latest one
	assert.Empty(t, rec2.Result().Cookies())
	assert.Equal(t, map[string]bool{"X1": true}, g.Unlocked(carry(rec)))
}

func TestGate_UnlockCapped(t *testing.T) {
	g := newTestGate(t, "admin-key")
	rec := httptest.NewRecorder()
	_, err := g.Login(rec, httptest.NewRequest(http.MethodPost, "/", nil), "admin-key")
	require.NoError(t, err)
	const n = 4 * MaxUnlocked
	for i := 0; i < n; i++ {
		next := httptest.NewRecorder()
		// ids as long as generated ones
		require.NoError(t, g.Unlock(next, carry(rec), fmt.Sprintf("%010X", i)), "unlock %d", i)
		rec = next
	}
	for _, c := range rec.Result().Cookies() {
		assert.Less(t, len(c.String()), 4096, "cookie should fit in a browser")
	}

	unlocked := g.Unlocked(carry(rec))
	assert.Len(t, unlocked, MaxUnlocked)
	assert.True(t, unlocked[fmt.Sprintf("%010X", n-1)], "newest id should be kept")
	assert.False(t, unlocked[fmt.Sprintf("%010X", 0)], "oldest id should be dropped")
	assert.True(t, g.IsAdmin(carry(rec)), "other session values survive")
}

func TestGate_CanViewPhotos(t *testing.T) {
	g := newTestGate(t, "k")
	protected := &md.Listing{ID: "X1", Password: "abc"}
	anon := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.True(t, g.CanViewPhotos(anon, nil), "photos of unknown listings are not gated")
	assert.True(t, g.CanViewPhotos(anon, &md.Listing{ID: "X2"}))
	assert.False(t, g.CanViewPhotos(anon, protected))

	rec := httptest.NewRecorder()
	_, err := g.Login(rec, httptest.NewRequest(http.MethodPost, "/", nil), "k")
	require.NoError(t, err)
	assert.True(t, g.CanViewPhotos(carry(rec), protected), "admins see everything")
}

func TestGate_Flashes(t *testing.T) {
	g := newTestGate(t, "")
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, g.AddFlash(rec, r, "saved"))
	require.NoError(t, g.AddFlash(rec, r, "uploaded files: 2"))

	rec2 := httptest.NewRecorder()
	assert.Equal(t, []string{"saved", "uploaded files: 2"}, g.Flashes(rec2, carry(rec)))
	assert.Empty(t, g.Flashes(httptest.NewRecorder(), carry(rec2)), "flashes are shown once")
}

func TestSecretMatches(t *testing.T) {
	assert.True(t, SecretMatches("abc", "abc"))
	assert.False(t, SecretMatches("abc", "abcd"))
	assert.False(t, SecretMatches("", "abc"))
}
