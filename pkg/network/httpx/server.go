package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/crossview/crossview/pkg/logger"
)

type Server struct {
	http.Server

	listener net.Listener
	log      *logger.Logger
}

func NewServer(address string, handler http.Handler, log *logger.Logger) (*Server, error) {
	server := &Server{
		Server: http.Server{
			Addr:         address,
			Handler:      handler,
			IdleTimeout:  120 * time.Second,
			ReadTimeout:  500 * time.Second,
			WriteTimeout: 500 * time.Second,
		},
		log: log,
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	server.listener = listener
	server.Addr = listener.Addr().String()
	log.Info().Msgf("httpx %v", server.Addr)
	return server, nil
}

func (s *Server) Run() { go s.run() }

func (s *Server) run() {
	s.log.Debug().Msgf("Starting server on %s", s.Addr)
	if err := s.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msg("http server")
	}
}

func (s *Server) Stop(ctx context.Context) error { return s.Shutdown(ctx) }
