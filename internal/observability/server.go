package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server hosts the control and observability router.
type Server struct {
	server *http.Server
	addr   string
}

// NewServer creates an HTTP server for handler.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start listens on the configured address and serves in a goroutine. It
// returns the bound address, which differs from the configured one for ":0".
func (s *Server) Start() (string, error) {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("Starting control HTTP server")
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Control HTTP server error")
		}
	}()
	return lis.Addr().String(), nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down control HTTP server")
	return s.server.Shutdown(ctx)
}
