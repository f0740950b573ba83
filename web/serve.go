package web

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the whole API surface onto a chi router.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)
		r.Post("/passage", h.handlePassage)
		r.Get("/history", h.handleHistory)
		r.Get("/admin/history", h.handleAdminHistory)
		r.Post("/tests/generate", h.handleGenerateTest)
		r.Post("/tests/submit", h.handleSubmitTest)
		r.Post("/speech", h.handleSpeech)
	})
	r.Get("/ws/record", h.handleRecordWS)
	r.Get("/ws/pronounce", h.handlePronounceWS)

	return r
}

// Serve runs the HTTP server until it fails.
func Serve(port int, h *Handler, logger *log.Logger) error {
	logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), NewRouter(h))
}
