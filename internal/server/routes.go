package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Routes returns the HTTP router: health check, WebSocket endpoint, test
// page and the read-only project listing.
func (s *Server) Routes() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/", s.HealthHandler)
	router.HandlerFunc(http.MethodGet, "/ws", s.WebSocketHandler)
	router.HandlerFunc(http.MethodGet, "/test", s.TestPageHandler)
	router.GET("/projects", s.handleProjects)
	router.GET("/projects/:id", s.handleProject)
	return router
}
