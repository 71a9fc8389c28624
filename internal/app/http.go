package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mosaic/api/internal/canonical"
	"mosaic/api/internal/entity"
)

const sessionCookie = "mosaic_session"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{"ok": status == "ready", "status": status})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "draft" {
		s.handleDraft(w, r, parts[2:])
		return
	}
	if len(parts) == 2 && parts[0] == "api" && parts[1] == "drafts" && r.Method == http.MethodDelete {
		if err := s.service.DiscardAll(r.Context()); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "publish" {
		s.handlePublish(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// actor identifies the already-authorized editor. Authenticated callers
// send their id; anonymous sessions get a stable random token kept in a
// cookie so their drafts survive across requests.
func (s *HTTPServer) actor(w http.ResponseWriter, r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Mosaic-Actor")); id != "" {
		return id
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	token := "anon_" + uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

func clientID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Mosaic-Client"))
}

// handleDraft serves /api/draft/{type}/{id}: the editing path.
func (s *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	key := entity.Key{
		EntityType: rest[0],
		EntityID:   rest[1],
		Language:   strings.TrimSpace(r.URL.Query().Get("language")),
	}
	def, ok := s.service.registry.Get(key.EntityType)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, codeUnknownType, "Unknown entity type "+key.EntityType, nil)
		return
	}
	if !def.Translatable {
		key.Language = ""
	}
	owner := s.actor(w, r)

	switch r.Method {
	case http.MethodGet:
		s.handleDraftGet(w, r, def, owner, key)
	case http.MethodPut:
		s.handleDraftPut(w, r, def, owner, key)
	case http.MethodPatch:
		s.handleDraftPatch(w, r, def, owner, key)
	case http.MethodDelete:
		if err := s.service.DiscardDraft(r.Context(), owner, key); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDraftGet(w http.ResponseWriter, r *http.Request, def entity.Definition, owner string, key entity.Key) {
	baseline, err := s.service.canonicalFingerprint(r.Context(), def, key)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	_, rec, err := s.service.ReadDraft(r.Context(), owner, key)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Status == http.StatusNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"draft": nil, "baselineHash": baseline})
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": rec, "baselineHash": baseline})
}

func (s *HTTPServer) handleDraftPut(w http.ResponseWriter, r *http.Request, def entity.Definition, owner string, key entity.Key) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Data == nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "data is required", nil)
		return
	}

	e, err := entity.FromRaw(def, key.EntityID, key.Language, body.Data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, err.Error(), nil)
		return
	}
	rec, err := s.service.SaveDraft(r.Context(), owner, clientID(r), e)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if rec == nil {
		// The save matched canonical and dissolved into a no-op.
		writeJSON(w, http.StatusOK, map[string]any{"draft": nil, "noop": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": rec, "noop": false})
}

// handleDraftPatch merges partial fields over the current draft, or
// over canonical when no draft exists, and saves the result.
func (s *HTTPServer) handleDraftPatch(w http.ResponseWriter, r *http.Request, def entity.Definition, owner string, key entity.Key) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Data) == 0 {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "data is required", nil)
		return
	}

	base := map[string]any{}
	_, rec, err := s.service.ReadDraft(r.Context(), owner, key)
	switch {
	case err == nil:
		for field, value := range rec.Data {
			base[field] = value
		}
	default:
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotFound {
			writeMappedError(w, err)
			return
		}
		// The merge base may come from the entity cache; the save below
		// fingerprints against a fresh canonical read regardless.
		stored, lerr := s.service.canon.Load(r.Context(), key.EntityType, key.EntityID, key.Language)
		if lerr != nil && !errors.Is(lerr, canonical.ErrNotFound) {
			writeMappedError(w, lerr)
			return
		}
		if stored != nil {
			base = stored.Data
		}
	}

	for field, value := range body.Data {
		base[field] = value
	}

	e, err := entity.FromRaw(def, key.EntityID, key.Language, base)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, err.Error(), nil)
		return
	}
	saved, err := s.service.SaveDraft(r.Context(), owner, clientID(r), e)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if saved == nil {
		writeJSON(w, http.StatusOK, map[string]any{"draft": nil, "noop": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": saved, "noop": false})
}

// handlePublish serves /api/publish: review list, batch publish, and
// single-change discard.
func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "pending":
		includeEntities := r.URL.Query().Get("entities") == "true"
		changes, err := s.service.ListPending(r.Context(), includeEntities)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		grouped := map[string][]PendingChange{}
		for _, change := range changes {
			grouped[change.EntityType] = append(grouped[change.EntityType], change)
		}
		writeJSON(w, http.StatusOK, map[string]any{"pending": grouped, "total": len(changes)})

	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			Items []PublishItem `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Items) == 0 {
			writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "items is required", nil)
			return
		}
		report, err := s.service.Publish(r.Context(), body.Items)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "discard":
		var body struct {
			Pointer entity.Key `json:"pointer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Pointer.EntityType == "" || body.Pointer.EntityID == "" {
			writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "pointer is required", nil)
			return
		}
		if err := s.service.DiscardChange(r.Context(), body.Pointer); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Mosaic-Actor, X-Mosaic-Client")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (int, string, string, any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *canonical.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, codeValidationFailed, validationErr.Error(), nil
	}
	if errors.Is(err, canonical.ErrNotFound) {
		return http.StatusNotFound, codeEntityNotFound, "entity not found", nil
	}
	return http.StatusInternalServerError, "INTERNAL", err.Error(), nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
