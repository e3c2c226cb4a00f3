package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/auth"
	"roamlist/api/internal/chat"
	"roamlist/api/internal/collab"
	"roamlist/api/internal/logger"
	"roamlist/api/internal/media"
	"roamlist/api/internal/store"
)

const maxUploadBytes = media.DefaultMaxBytes

type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP surface exposes. Media and Sockets are optional.
type Deps struct {
	Collab   *collab.Coordinator
	Chat     *chat.Service
	Media    *media.Uploader
	Verifier TokenVerifier
	Store    Pinger
	Sockets  http.Handler
	Logger   *logger.Logger
}

type HTTPServer struct {
	deps       Deps
	corsOrigin string
	log        *logger.Logger
	validate   *validator.Validate
}

func NewHTTPServer(deps Deps, corsOrigin string) *HTTPServer {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &HTTPServer{deps: deps, corsOrigin: corsOrigin, log: log.With("component", "http"), validate: validate}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) > 0 && parts[0] == "api" {
		parts = parts[1:]
	}
	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead

	if isRead && len(parts) == 1 && parts[0] == "health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if isRead && len(parts) == 1 && parts[0] == "ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "ws" && s.deps.Sockets != nil {
		s.deps.Sockets.ServeHTTP(w, r)
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) >= 2 && parts[0] == "lists":
		s.handleLists(w, r, userID, parts[1], parts[2:])
		return
	case len(parts) >= 1 && parts[0] == "collab-requests":
		s.handleRequests(w, r, userID, parts[1:])
		return
	case len(parts) >= 2 && parts[0] == "groups":
		s.handleGroups(w, r, userID, parts[1], parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if s.deps.Store == nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": "store not configured"}
	} else if err := s.deps.Store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLists(w http.ResponseWriter, r *http.Request, userID, listID string, rest []string) {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		view, err := s.deps.Collab.GetList(ctx, listID, userID)
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "invite":
		var body struct {
			CollaboratorEmail string `json:"collaboratorEmail" validate:"required,email"`
		}
		if !s.bind(w, r, &body) {
			return
		}
		view, err := s.deps.Collab.SendInvite(ctx, listID, userID, body.CollaboratorEmail)
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodDelete && len(rest) == 2 && rest[0] == "collaborators":
		view, err := s.deps.Collab.RemoveCollaborator(ctx, listID, rest[1], userID)
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "chat":
		group, created, err := s.deps.Collab.EnableChat(ctx, listID, userID)
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		s.respond(w, status, group, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		items, err := s.deps.Collab.ListRequests(ctx, userID)
		s.respond(w, http.StatusOK, map[string]any{"items": items}, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "accept":
		view, err := s.deps.Collab.AcceptInvite(ctx, userID, rest[0])
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "reject":
		err := s.deps.Collab.RejectInvite(ctx, userID, rest[0])
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type postMessageBody struct {
	Text     string `json:"text"`
	AudioURL string `json:"audioUrl" validate:"omitempty,url"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
	VideoURL string `json:"videoUrl" validate:"omitempty,url"`
	FileURL  string `json:"fileUrl" validate:"omitempty,url"`
	FileName string `json:"fileName" validate:"max=255"`
	ClientID string `json:"clientId" validate:"max=128"`
	ReplyTo  string `json:"replyTo"`
}

func (b postMessageBody) textOnly() bool {
	return b.AudioURL == "" && b.ImageURL == "" && b.VideoURL == "" && b.FileURL == ""
}

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request, userID, groupID string, rest []string) {
	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		group, err := s.deps.Chat.Authorize(ctx, groupID, userID)
		s.respond(w, http.StatusOK, collab.NewGroupView(group), err)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "messages":
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			s.fail(w, err)
			return
		}
		page, err := s.deps.Chat.List(ctx, groupID, userID, r.URL.Query().Get("cursor"), limit)
		s.respond(w, http.StatusOK, page, err)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "messages":
		var body postMessageBody
		if !s.bind(w, r, &body) {
			return
		}
		var (
			msg     chat.MessageView
			created bool
			err     error
		)
		if body.textOnly() {
			msg, created, err = s.deps.Chat.SendText(ctx, groupID, userID, body.Text, body.ClientID, body.ReplyTo)
		} else {
			msg, created, err = s.deps.Chat.Append(ctx, chat.AppendInput{
				GroupID:  groupID,
				AuthorID: userID,
				Body: store.MessageBody{
					Text:     strings.TrimSpace(body.Text),
					AudioURL: body.AudioURL,
					ImageURL: body.ImageURL,
					VideoURL: body.VideoURL,
					FileURL:  body.FileURL,
					FileName: body.FileName,
				},
				ClientID: body.ClientID,
				ReplyTo:  body.ReplyTo,
			})
		}
		s.respond(w, createdStatus(created), msg, err)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "messages" && rest[1] == "search":
		items, err := s.deps.Chat.Search(ctx, groupID, userID, r.URL.Query().Get("q"))
		if items == nil {
			items = []chat.MessageView{}
		}
		s.respond(w, http.StatusOK, map[string]any{"items": items}, err)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "read":
		var body struct {
			MessageIDs []string `json:"messageIds" validate:"required,min=1,dive,required"`
		}
		if !s.bind(w, r, &body) {
			return
		}
		changed, err := s.deps.Chat.MarkRead(ctx, groupID, userID, body.MessageIDs)
		s.respond(w, http.StatusOK, map[string]any{"messageIds": changed}, err)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "media":
		s.handleUpload(w, r, userID, groupID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleUpload stores a multipart "file" part and appends it as a voice or image message.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, userID, groupID string) {
	ctx := r.Context()
	kind, err := media.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.deps.Media == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Media storage not configured", nil)
		return
	}
	if _, err := s.deps.Chat.Authorize(ctx, groupID, userID); err != nil {
		s.fail(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	clientID := strings.TrimSpace(r.FormValue("clientId"))
	if len(clientID) > chat.MaxClientIDLen {
		s.fail(w, apperr.InvalidArgument("clientId exceeds %d bytes", chat.MaxClientIDLen))
		return
	}

	upload, err := s.deps.Media.Put(ctx, groupID, kind, file, header.Size)
	if err != nil {
		s.fail(w, err)
		return
	}

	var (
		msg     chat.MessageView
		created bool
	)
	if kind == media.KindVoice {
		msg, created, err = s.deps.Chat.SendVoice(ctx, groupID, userID, upload.URL, clientID)
	} else {
		msg, created, err = s.deps.Chat.Append(ctx, chat.AppendInput{
			GroupID:  groupID,
			AuthorID: userID,
			Body:     store.MessageBody{ImageURL: upload.URL},
			ClientID: clientID,
		})
	}
	if err != nil || !created {
		s.deps.Media.Discard(ctx, upload)
	}
	s.respond(w, createdStatus(created), msg, err)
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidArgument("limit must be an integer")
	}
	return limit, nil
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" || s.deps.Verifier == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	claims, err := s.deps.Verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return claims.UserID(), true
}

// bind decodes and validates a JSON body, writing the 400 itself on failure.
func (s *HTTPServer) bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		s.fail(w, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil))
		return false
	}
	if err := s.validate.Struct(target); err != nil {
		s.fail(w, err)
		return false
	}
	return true
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, code, message, details)
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

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
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

// Hijack lets the socket handler take over the connection through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
