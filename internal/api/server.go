package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jobpostpro/quiz-engine/internal/config"
	"github.com/jobpostpro/quiz-engine/internal/health"
	"github.com/jobpostpro/quiz-engine/internal/models"
	"github.com/jobpostpro/quiz-engine/internal/session"
	"github.com/jobpostpro/quiz-engine/internal/storage"
)

// QuizCatalog exposes the loaded quiz bank
type QuizCatalog interface {
	List() []models.QuizSummary
	Get(jobID string) *models.Quiz
}

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	sessions       session.Manager
	quizzes        QuizCatalog
	repo           storage.Repository
	checks         *health.Registry
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	sessions session.Manager,
	quizzes QuizCatalog,
	repo storage.Repository,
	checks *health.Registry,
) *Server {
	if checks == nil {
		checks = health.NewRegistry()
	}
	s := &Server{
		config:         cfg,
		sessions:       sessions,
		quizzes:        quizzes,
		repo:           repo,
		checks:         checks,
		authMiddleware: NewAuthMiddleware(repo),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		// The stream outlives the request timeout
		r.Get("/play/{token}/ws", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			// Candidate routes: the join token is the credential
			r.Get("/play/{token}", s.handleView)
			r.Delete("/play/{token}", s.handleCloseView)
			r.Post("/play/{token}/start", s.handleStart)
			r.Post("/play/{token}/answer", s.handleAnswer)
			r.Post("/play/{token}/advance", s.handleAdvance)
			r.Post("/play/{token}/retry", s.handleRetry)

			// Back-office routes (protected by API key)
			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware.Authenticate)

				r.Route("/quizzes", func(r chi.Router) {
					r.With(s.authMiddleware.RequirePermission("quizzes:read")).Get("/", s.handleListQuizzes)
					r.With(s.authMiddleware.RequirePermission("quizzes:read")).Get("/{jobId}", s.handleGetQuiz)
				})

				r.Route("/sessions", func(r chi.Router) {
					r.With(s.authMiddleware.RequirePermission("sessions:read")).Get("/", s.handleListSessions)
					r.With(s.authMiddleware.RequirePermission("sessions:write")).Post("/", s.handleCreateSession)

					r.Route("/{id}", func(r chi.Router) {
						r.With(s.authMiddleware.RequirePermission("sessions:read")).Get("/", s.handleGetSession)
						r.With(s.authMiddleware.RequirePermission("sessions:write")).Delete("/", s.handleDeleteSession)
					})
				})

				r.With(s.authMiddleware.RequirePermission("submissions:read")).Get("/submissions", s.handleListSubmissions)
			})
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", redactToken(r),
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// joinURL builds the candidate link for a session token
func (s *Server) joinURL(token string) string {
	if s.config.PublicURL != "" {
		return s.config.PublicURL + "/quiz/" + token
	}
	host := s.config.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/quiz/%s", host, s.config.Port, token)
}
