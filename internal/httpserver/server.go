package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"campaigner/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	r := mux.NewRouter()
	r.Use(Metrics(observability.APIRequests))
	return &Server{Mux: r}
}

// Handler is the router wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return Logging(s.Mux)
}
