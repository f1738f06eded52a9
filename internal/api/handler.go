package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storepulse/internal/conversation"
	"github.com/kalambet/storepulse/internal/feature"
	"github.com/kalambet/storepulse/internal/metrics"
	"github.com/kalambet/storepulse/internal/poller"
	"github.com/kalambet/storepulse/internal/session"
	"github.com/kalambet/storepulse/internal/storage"
	"github.com/kalambet/storepulse/internal/upload"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JSON uploads carry base64, which inflates the file by a third.
const maxUploadBodySize = upload.MaxFileSize*4/3 + maxRequestBodySize

// Session is the chat facade served over HTTP and MCP.
type Session interface {
	Status() session.Status
	Binding() feature.ThreadBinding
	Messages() []conversation.Message
	Send(ctx context.Context, text string) (conversation.Message, error)
	CreateNewThread(ctx context.Context) (feature.ThreadBinding, error)
	ClearConversation(ctx context.Context) (feature.ThreadBinding, error)
	SetThreadID(ctx context.Context, threadID string) (feature.ThreadBinding, error)
	SwitchFeature(ctx context.Context, f feature.Feature) (feature.ThreadBinding, error)
	Refresh() (poller.RunState, error)
	ExportHistory(w io.Writer, format session.ExportFormat) error
}

// Store queues uploads and lists their analyses. Implemented by *storage.Store.
type Store interface {
	upload.Queue
	ListAnalyses(ctx context.Context, threadID string, limit int) ([]storage.Analysis, error)
}

type AppDeps struct {
	Session Session
	Store   Store
	Token   string
}

// NewAppHandler returns the local REST API. /health and /metrics are open;
// everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/session", handleStatus(deps))
		r.Get("/session/messages", handleMessages(deps))
		r.Post("/session/messages", handleSend(deps))
		r.Post("/session/threads", handleNewThread(deps))
		r.Put("/session/thread", handleSetThread(deps))
		r.Put("/session/feature", handleSwitchFeature(deps))
		r.Post("/session/clear", handleClear(deps))
		r.Post("/session/refresh", handleRefresh(deps))
		r.Get("/session/export", handleExport(deps))

		r.Post("/uploads", handleUpload(deps))
		r.Get("/analyses", handleListAnalyses(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Session.Status())
	}
}

func handleMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs := deps.Session.Messages()
		if msgs == nil {
			msgs = []conversation.Message{}
		}
		writeJSON(w, msgs)
	}
}

type SendRequest struct {
	Text string `json:"text"`
}

type SendResponse struct {
	Message conversation.Message `json:"message"`
}

func handleSend(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		msg, err := deps.Session.Send(r.Context(), req.Text)
		if err != nil {
			sendError(w, err)
			return
		}
		writeJSON(w, SendResponse{Message: msg})
	}
}

func sendError(w http.ResponseWriter, err error) {
	var se *session.SendError
	if !errors.As(err, &se) {
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
		return
	}
	switch se.Kind {
	case session.SendNoThread:
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
	case session.SendTimeout:
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	case session.SendCancelled:
		httpError(w, http.StatusRequestTimeout, "timeout_error", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func handleNewThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Session.CreateNewThread(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "creating thread: %v", err)
			return
		}
		writeJSON(w, b)
	}
}

func handleClear(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Session.ClearConversation(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "clearing conversation: %v", err)
			return
		}
		writeJSON(w, b)
	}
}

type SetThreadRequest struct {
	ThreadID string `json:"thread_id"`
}

func handleSetThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SetThreadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ThreadID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "thread_id is required")
			return
		}
		b, err := deps.Session.SetThreadID(r.Context(), strings.TrimSpace(req.ThreadID))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "setting thread: %v", err)
			return
		}
		writeJSON(w, b)
	}
}

type SwitchFeatureRequest struct {
	Feature string `json:"feature"`
}

func handleSwitchFeature(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SwitchFeatureRequest
		if !decodeBody(w, r, &req) {
			return
		}
		f, err := feature.Parse(req.Feature)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		b, err := deps.Session.SwitchFeature(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "switching feature: %v", err)
			return
		}
		writeJSON(w, b)
	}
}

func handleRefresh(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Session.Refresh()
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(st)
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, err := session.ParseExportFormat(r.URL.Query().Get("format"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		// Buffer so an encoding failure can still be reported as an error.
		var buf bytes.Buffer
		if err := deps.Session.ExportHistory(&buf, format); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "exporting history: %v", err)
			return
		}
		name := fmt.Sprintf("storepulse-%s.%s", deps.Session.Binding().Feature, format.Extension())
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Write(buf.Bytes())
	}
}

// UploadRequest is the JSON form of POST /uploads. Content is base64.
type UploadRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type UploadResponse struct {
	upload.Receipt
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		req, ok := readUpload(w, r)
		if !ok {
			return
		}

		b := deps.Session.Binding()
		if b.ThreadID == "" {
			httpError(w, http.StatusConflict, "invalid_request_error", "no active thread; create one first")
			return
		}
		req.ThreadID = b.ThreadID
		req.Feature = string(b.Feature)

		receipt, err := upload.Submit(r.Context(), deps.Store, req)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(UploadResponse{Receipt: receipt, ThreadID: b.ThreadID, Status: "queued"})
	}
}

// readUpload accepts a multipart form with a "file" part or a JSON
// UploadRequest.
func readUpload(w http.ResponseWriter, r *http.Request) (upload.Request, bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file part: %v", err)
			return upload.Request{}, false
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file part: %v", err)
			return upload.Request{}, false
		}
		return upload.Request{
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Content:     content,
		}, true
	}

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return upload.Request{}, false
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
		return upload.Request{}, false
	}
	return upload.Request{FileName: req.FileName, ContentType: req.ContentType, Content: content}, true
}

func handleListAnalyses(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		threadID := r.URL.Query().Get("thread_id")
		if threadID == "" {
			threadID = deps.Session.Binding().ThreadID
		}

		list, err := deps.Store.ListAnalyses(r.Context(), threadID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list analyses: %v", err)
			return
		}
		if list == nil {
			list = []storage.Analysis{}
		}
		writeJSON(w, list)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
