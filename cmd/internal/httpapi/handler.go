package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stash/cmd/internal/assets"
	"stash/cmd/internal/auth/session"
	"stash/cmd/internal/profile"
)

const (
	// multipartOverhead is the slack allowed on top of the asset limit for
	// boundaries, part headers and the alt field.
	multipartOverhead = 64 << 10

	maxAltBytes = 1024
)

// Handler wires HTTP endpoints to the session, asset and profile services.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	assets   *assets.Service
	profiles *profile.Service

	throttle *loginThrottle
	now      func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, assetSvc *assets.Service, profiles *profile.Service) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil || assetSvc == nil || profiles == nil {
		return nil, errors.New("httpapi: nil service")
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		assets:   assetSvc,
		profiles: profiles,
		throttle: newLoginThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
		now:      time.Now,
	}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("GET /api/users/me", h.withAuth(h.handleGetMe))
	mux.HandleFunc("PATCH /api/users/me", h.withAuth(h.handleUpdateMe))
	mux.HandleFunc("POST /api/assets", h.withAuth(h.handleAssetUpload))
	mux.HandleFunc("GET /api/assets/{hash}", h.withAuth(h.handleAssetGet))
	mux.HandleFunc("GET /api/assets/{hash}/metadata", h.withAuth(h.handleAssetMetadata))
}

// ---- auth ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	issued, err := h.sessions.Register(r.Context(),
		session.Credentials{Email: req.Email, Password: req.Password},
		session.Profile{DisplayName: req.DisplayName},
	)
	if err != nil {
		h.writeServiceError(w, "auth.register", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(issued))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
		if ok, retry := h.throttle.Allow(ip.String(), h.now()); !ok {
			h.log.Info("auth.login.throttled", "ip", ip.String())
			writeRateLimited(w, retry)
			return
		}
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.DisplayName != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unexpected field display_name")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	issued, err := h.sessions.Login(r.Context(), session.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		h.writeServiceError(w, "auth.login", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(issued))
}

type identityKey struct{}

// IdentityFrom returns the identity attached by the auth middleware.
func IdentityFrom(ctx context.Context) (session.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(session.Identity)
	return id, ok
}

func (h *Handler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeUnauthorized(w)
			return
		}
		ident, err := h.sessions.Authorize(r.Context(), tok)
		if err != nil {
			if errors.Is(err, session.ErrUnauthorized) {
				writeUnauthorized(w)
				return
			}
			h.writeServiceError(w, "auth.authorize", err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, ident)))
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="stash"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ---- users ----

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFrom(r.Context())
	u, err := h.profiles.Get(r.Context(), ident.UserID)
	if err != nil {
		h.writeServiceError(w, "users.me", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFrom(r.Context())

	var req updateUserRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	u, err := h.profiles.Update(r.Context(), ident.UserID, req.toPatch())
	if err != nil {
		h.writeServiceError(w, "users.update", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// ---- assets ----

func (h *Handler) handleAssetUpload(w http.ResponseWriter, r *http.Request) {
	limit := h.assets.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_multipart", "multipart/form-data body required")
		return
	}

	var (
		data        []byte
		contentType string
		alt         *string
		gotFile     bool
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.writeUploadReadError(w, err)
			return
		}

		switch part.FormName() {
		case "file":
			if gotFile {
				_ = part.Close()
				writeError(w, http.StatusBadRequest, "invalid_multipart", "more than one file part")
				return
			}
			gotFile = true
			contentType = part.Header.Get("Content-Type")
			// One byte past the limit is enough for Put to reject it.
			data, err = io.ReadAll(io.LimitReader(part, limit+1))
		case "alt":
			var b []byte
			b, err = io.ReadAll(io.LimitReader(part, maxAltBytes+1))
			if err == nil && len(b) > maxAltBytes {
				_ = part.Close()
				writeError(w, http.StatusBadRequest, "invalid_request", "alt too long")
				return
			}
			if s := strings.TrimSpace(string(b)); s != "" {
				alt = &s
			}
		default:
			_, err = io.Copy(io.Discard, part)
		}
		_ = part.Close()
		if err != nil {
			h.writeUploadReadError(w, err)
			return
		}
	}
	if !gotFile {
		writeError(w, http.StatusBadRequest, "invalid_request", "file part is required")
		return
	}

	a, err := h.assets.Put(r.Context(), data, contentType, alt)
	if err != nil {
		h.writeServiceError(w, "asset.put", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssetResponse(a))
}

func (h *Handler) writeUploadReadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusBadRequest, "payload_too_large", "asset too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_multipart", "malformed multipart body")
}

func (h *Handler) handleAssetGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.assets.Get(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.writeServiceError(w, "asset.get", err)
		return
	}

	etag := `"` + a.Hash + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

func (h *Handler) handleAssetMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.assets.GetMetadata(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.writeServiceError(w, "asset.metadata", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssetMetadataResponse(md))
}

// ---- errors ----

// writeServiceError maps service errors onto statuses. Internal details are
// logged, never returned.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		writeUnauthorized(w)
	case errors.Is(err, session.ErrConflict), errors.Is(err, profile.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "email already in use")
	case errors.Is(err, assets.ErrNotFound), errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, assets.ErrPayloadTooLarge):
		writeError(w, http.StatusBadRequest, "payload_too_large", fmt.Sprintf("asset exceeds %d bytes", h.assets.MaxBytes()))
	case errors.Is(err, profile.ErrInvalidReference):
		writeError(w, http.StatusBadRequest, "invalid_reference", "avatar_hash does not reference an existing asset")
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, assets.ErrBadRequest),
		errors.Is(err, profile.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled):
		h.log.Debug(op+".canceled", "err", err)
		writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled")
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
