package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash/cmd/identity"
	"stash/cmd/internal/assets"
	"stash/cmd/internal/auth/session"
	"stash/cmd/internal/profile"
	"stash/cmd/security/password"
	"stash/cmd/security/token"
)

type testServer struct {
	srv *httptest.Server
	h   *Handler
}

func newTestServer(t *testing.T, apiCfg Config, assetCfg assets.Config) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := identity.NewMemoryStore()

	sessions, err := session.NewService(session.DefaultConfig(), store, password.DefaultConfig(), token.NewHasher(nil), session.WithLogger(log))
	require.NoError(t, err)
	assetSvc, err := assets.NewService(assetCfg, store, assets.WithLogger(log))
	require.NoError(t, err)
	profiles := profile.NewService(store, password.DefaultConfig(), profile.WithLogger(log))

	h, err := NewHandler(log, apiCfg, sessions, assetSvc, profiles)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, h: h}
}

func (ts *testServer) do(t *testing.T, method, path, tok string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path, tok, body string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, tok, strings.NewReader(body), "application/json")
}

func (ts *testServer) register(t *testing.T, email, pw string) sessionResponse {
	t.Helper()
	resp := ts.postJSON(t, "/api/register", "", `{"email":"`+email+`","password":"`+pw+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out
}

func decodeErr(t *testing.T, resp *http.Response) apiError {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e.Error
}

func uploadBody(t *testing.T, data []byte, contentType string, alt *string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="blob"`)
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)

	if alt != nil {
		require.NoError(t, mw.WriteField("alt", *alt))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestRegisterLoginAndMe(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())
	reg := ts.register(t, "web@example.com", "web password 1")
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), reg.ExpiresAt, time.Minute)

	resp := ts.postJSON(t, "/api/login", "", `{"email":"WEB@example.com","password":"web password 1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	assert.Equal(t, reg.UserID, login.UserID)

	// Scheme is case-insensitive.
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/users/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "bearer "+login.Token)
	me, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer me.Body.Close()
	require.Equal(t, http.StatusOK, me.StatusCode)

	var u userResponse
	require.NoError(t, json.NewDecoder(me.Body).Decode(&u))
	assert.Equal(t, reg.UserID, u.ID)
	assert.Equal(t, "web@example.com", u.Email)
	assert.Nil(t, u.AvatarHash)
}

func TestRegister_Errors(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())
	ts.register(t, "taken@example.com", "taken password")

	resp := ts.postJSON(t, "/api/register", "", `{"email":"Taken@example.com","password":"another password"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.postJSON(t, "/api/register", "", `{"email":"x@example.com","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.postJSON(t, "/api/register", "", `{"email":"x@example.com","password":"long enough","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", decodeErr(t, resp).Code)

	resp = ts.postJSON(t, "/api/register", "", `{"email":"","password":"long enough"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_Unauthorized(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())
	ts.register(t, "known@example.com", "known password")

	wrong := ts.postJSON(t, "/api/login", "", `{"email":"known@example.com","password":"not the password"}`)
	unknown := ts.postJSON(t, "/api/login", "", `{"email":"ghost@example.com","password":"known password"}`)

	require.Equal(t, http.StatusUnauthorized, wrong.StatusCode)
	require.Equal(t, http.StatusUnauthorized, unknown.StatusCode)
	assert.Equal(t, decodeErr(t, wrong), decodeErr(t, unknown))
}

func TestLogin_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())
	resp := ts.do(t, http.MethodGet, "/api/login", "", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLogin_ThrottledPerIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginIPMax = 2
	cfg.LoginIPWindow = time.Minute
	ts := newTestServer(t, cfg, assets.DefaultConfig())

	body := `{"email":"nobody@example.com","password":"whatever pw"}`
	for i := 0; i < 2; i++ {
		resp := ts.postJSON(t, "/api/login", "", body)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := ts.postJSON(t, "/api/login", "", body)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestAuth_MissingOrBadToken(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())

	for _, tok := range []string{"", "garbage", strings.Repeat("A", 43)} {
		resp := ts.do(t, http.MethodGet, "/api/users/me", tok, nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "token %q", tok)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	}

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/users/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAssets_UploadDedupAndFetch(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())
	tok := ts.register(t, "assets@example.com", "asset password").Token

	payload := []byte("0123456789")
	alt := "digits"
	body, ct := uploadBody(t, payload, "text/plain", &alt)
	resp := ts.do(t, http.MethodPost, "/api/assets", tok, body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var up assetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	assert.Equal(t, assets.Hash(payload), up.Hash)
	assert.Equal(t, "text/plain", up.ContentType)
	require.NotNil(t, up.Alt)
	assert.Equal(t, "digits", *up.Alt)

	// Same bytes, different type: same hash, original type kept.
	body, ct = uploadBody(t, payload, "application/octet-stream", nil)
	resp = ts.do(t, http.MethodPost, "/api/assets", tok, body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again assetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.Equal(t, up.Hash, again.Hash)
	assert.Equal(t, "text/plain", again.ContentType)

	get := ts.do(t, http.MethodGet, "/api/assets/"+up.Hash, tok, nil, "")
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "text/plain", get.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", get.Header.Get("X-Content-Type-Options"))
	got, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	md := ts.do(t, http.MethodGet, "/api/assets/"+up.Hash+"/metadata", tok, nil, "")
	require.Equal(t, http.StatusOK, md.StatusCode)
	var meta assetMetadataResponse
	require.NoError(t, json.NewDecoder(md.Body).Decode(&meta))
	assert.Equal(t, "text/plain", meta.ContentType)
	assert.Equal(t, int64(10), meta.Size)

	// Conditional fetch.
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/assets/"+up.Hash, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("If-None-Match", `"`+up.Hash+`"`)
	nm, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer nm.Body.Close()
	assert.Equal(t, http.StatusNotModified, nm.StatusCode)
}

func TestAssets_Errors(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.Config{MaxBytes: 16})
	tok := ts.register(t, "limits@example.com", "limits password").Token

	body, ct := uploadBody(t, make([]byte, 17), "application/octet-stream", nil)
	resp := ts.do(t, http.MethodPost, "/api/assets", tok, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "payload_too_large", decodeErr(t, resp).Code)

	// A body cut off by the request reader limit reports the same way.
	rr := httptest.NewRecorder()
	ts.h.writeUploadReadError(rr, fmt.Errorf("multipart: NextPart: %w", &http.MaxBytesError{Limit: 16}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), `"payload_too_large"`)

	body, ct = uploadBody(t, []byte("ok"), "", nil)
	resp = ts.do(t, http.MethodPost, "/api/assets", tok, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/assets", tok, strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("alt", "no file"))
	require.NoError(t, mw.Close())
	resp = ts.do(t, http.MethodPost, "/api/assets", tok, &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	missing := assets.Hash([]byte("never"))
	resp = ts.do(t, http.MethodGet, "/api/assets/"+missing, tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/assets/"+missing+"/metadata", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/assets/not-a-hash", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Asset routes require a session.
	resp = ts.do(t, http.MethodGet, "/api/assets/"+missing, "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpdateMe(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), assets.DefaultConfig())
	tok := ts.register(t, "patch@example.com", "patch password").Token
	ts.register(t, "other@example.com", "other password")

	patch := func(body string) *http.Response {
		return ts.do(t, http.MethodPatch, "/api/users/me", tok, strings.NewReader(body), "application/json")
	}

	resp := patch(`{"display_name":"Patchy"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var u userResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	require.NotNil(t, u.DisplayName)
	assert.Equal(t, "Patchy", *u.DisplayName)

	resp = patch(`{"avatar_hash":"` + assets.Hash([]byte("nope")) + `"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_reference", decodeErr(t, resp).Code)

	body, ct := uploadBody(t, []byte("avatar png"), "image/png", nil)
	up := ts.do(t, http.MethodPost, "/api/assets", tok, body, ct)
	require.Equal(t, http.StatusOK, up.StatusCode)
	var a assetResponse
	require.NoError(t, json.NewDecoder(up.Body).Decode(&a))

	resp = patch(`{"avatar_hash":"` + a.Hash + `","email":null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	u = userResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	require.NotNil(t, u.AvatarHash)
	assert.Equal(t, a.Hash, *u.AvatarHash)
	assert.Equal(t, "patch@example.com", u.Email)

	resp = patch(`{"avatar_hash":null,"display_name":null}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	u = userResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Nil(t, u.AvatarHash)
	assert.Nil(t, u.DisplayName)

	resp = patch(`{"email":"OTHER@example.com"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = patch(`{"password":"new patch password"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := ts.postJSON(t, "/api/login", "", `{"email":"patch@example.com","password":"new patch password"}`)
	assert.Equal(t, http.StatusOK, login.StatusCode)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"Bearer":           "",
		"Bearer abc":       "abc",
		"BEARER   abc  ":   "abc",
		"Token abc":        "",
		"Basic dXNlcg==":   "",
		"  bearer xyz.123": "xyz.123",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, bearerToken(r), "header %q", header)
	}
}
