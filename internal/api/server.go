// Package api implements the assistant's HTTP API: the streaming chat
// endpoint, conversation management and usage reporting.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/buildinfo"
	"github.com/nugget/atrium/internal/chat"
	"github.com/nugget/atrium/internal/conversation"
	"github.com/nugget/atrium/internal/tools"
)

// streamWriteTimeout is the write deadline granted per streamed event. It
// is reset after every event so long tool loops do not hit the server's
// WriteTimeout.
const streamWriteTimeout = 120 * time.Second

// maxRequestBodySize bounds every JSON request body.
const maxRequestBodySize = 1 << 20

// ConversationStore is the conversation store as the API uses it.
type ConversationStore interface {
	Create(ctx context.Context, p auth.Principal, d conversation.Draft) (*conversation.Conversation, bool, error)
	Get(ctx context.Context, p auth.Principal, id string) (*conversation.Conversation, error)
	List(ctx context.Context, p auth.Principal, includeArchived bool, limit int) ([]conversation.Conversation, error)
	Rename(ctx context.Context, p auth.Principal, id, title string) error
	Archive(ctx context.Context, p auth.Principal, id string) error
}

// Deps wires a Server.
type Deps struct {
	Logger        *slog.Logger
	Chat          *chat.Service
	Conversations ConversationStore
	Usage         tools.UsageReports
	Verifier      *auth.Verifier
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	logger        *slog.Logger
	chat          *chat.Service
	conversations ConversationStore
	usage         tools.UsageReports
	verifier      *auth.Verifier
	now           func() time.Time

	handler http.Handler
	server  *http.Server
}

// NewServer creates an API server and builds its routes.
func NewServer(address string, port int, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{
		address:       address,
		port:          port,
		logger:        d.Logger,
		chat:          d.Chat,
		conversations: d.Conversations,
		usage:         d.Usage,
		verifier:      d.Verifier,
		now:           d.Now,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(queryToken)
		r.Use(s.verifier.Middleware(s.rejectUnauthorized))

		r.Post("/v1/chat", s.handleChat)
		r.Get("/v1/chat/ws", s.handleChatWebSocket)

		r.Route("/v1/conversations", func(r chi.Router) {
			r.Post("/", s.handleConversationCreate)
			r.Get("/", s.handleConversationList)
			r.Get("/{id}", s.handleConversationGet)
			r.Patch("/{id}", s.handleConversationRename)
			r.Post("/{id}/archive", s.handleConversationArchive)
		})

		r.Get("/v1/usage/summary", s.handleUsageSummary)
	})
	return r
}

// Start begins serving HTTP requests. It blocks until Shutdown is called
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: streamWriteTimeout,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// queryToken lets clients that cannot set headers (browser WebSockets)
// pass the bearer token as access_token.
func queryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger returns the server logger tagged with the request id.
func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return s.logger.With("request_id", middleware.GetReqID(r.Context()))
}

// principal returns the authenticated caller. The auth middleware
// guarantees one is present on every protected route.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// decodeBody reads a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
