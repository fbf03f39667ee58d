package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/conversation"
	"polychat/internal/queue"
	"polychat/internal/storage"
)

// maxBodyBytes caps request bodies; preset texts are the largest legitimate payloads.
const maxBodyBytes = 1 << 20

type Config struct {
	Chats *conversation.Service
	// Token is the bearer token every request must carry.
	Token string
	// OwnerID scopes all data served by the API.
	OwnerID int64
	// Limiter meters the routes that call a provider. Nil disables limiting.
	Limiter Limiter
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Limiter interface {
	Allow(ctx context.Context, ownerID int64, now time.Time) (queue.Quota, error)
}

// Server is the JSON and SSE API used by the browser front-end.
type Server struct {
	chats *conversation.Service
	token   string
	owner   int64
	limiter Limiter
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		chats:   cfg.Chats,
		token:   cfg.Token,
		owner:   cfg.OwnerID,
		limiter: cfg.Limiter,
		log:     cfg.Logger,
		now:     cfg.Now,
	}
}

// Register adds the API routes under /api/ to mux.
func (s *Server) Register(mux *http.ServeMux) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth(h))
	}

	route("GET /api/providers", s.listProviders)

	route("GET /api/models", s.listModels)
	route("POST /api/models", s.createModel)
	route("GET /api/models/{id}", s.getModel)
	route("PUT /api/models/{id}", s.updateModel)
	route("DELETE /api/models/{id}", s.deleteModel)
	route("POST /api/models/{id}/default", s.useModel)

	route("GET /api/presets", s.listPresets)
	route("POST /api/presets", s.createPreset)
	route("GET /api/presets/{id}", s.getPreset)
	route("PUT /api/presets/{id}", s.updatePreset)
	route("DELETE /api/presets/{id}", s.deletePreset)

	route("GET /api/conversations", s.listConversations)
	route("POST /api/conversations", s.metered(s.startConversation))
	route("GET /api/conversations/{id}", s.getConversation)
	route("PATCH /api/conversations/{id}", s.patchConversation)
	route("DELETE /api/conversations/{id}", s.deleteConversation)
	route("POST /api/conversations/{id}/messages", s.metered(s.sendMessage))
	route("POST /api/conversations/{id}/retry", s.metered(s.retry))
	route("GET /api/conversations/{id}/export", s.export)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.token == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// metered rejects the request with 429 once the owner's provider-call budget is spent.
// A limiter failure is logged and the request let through.
func (s *Server) metered(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		now := s.now()
		q, err := s.limiter.Allow(r.Context(), s.owner, now)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter failed")
			next(w, r)
			return
		}
		if q.Remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(q.Remaining, 10))
		}
		if !q.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(q.RetryAfter(now).Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit reached, retry after "+q.ResetAt.UTC().Format(time.RFC3339))
			return
		}
		next(w, r)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors onto HTTP statuses. Unexpected errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("api request failed")
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, conversation.ErrBusy):
		return http.StatusLocked, err.Error()
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "name already exists"
	case errors.Is(err, storage.ErrInUse):
		return http.StatusConflict, "model is used by conversations"
	case errors.Is(err, conversation.ErrModelDisabled), errors.Is(err, conversation.ErrNothingToRetry):
		return http.StatusConflict, err.Error()
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest, strings.TrimPrefix(err.Error(), conversation.ErrInvalidInput.Error()+": ")
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
