package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/yago-123/dapn/pkg/signal/types"
	"github.com/yago-123/dapn/pkg/util"
)

const (
	ServerReadTimeout = 5 * time.Second
	// relayed requests wait for the target, so writes get more room than reads
	ServerWriteTimeout = 20 * time.Second
	ServerIdleTimeout  = 10 * time.Second
	MaxHeaderBytes     = 1 << 20
)

type SignalServer struct {
	handlers   *Handler
	httpServer *http.Server
	listener   net.Listener
	logger     logr.Logger
}

func NewSignalServer(d Dispatcher, logger logr.Logger) *SignalServer {
	return &SignalServer{
		handlers: NewHandler(d),
		logger:   logger,
	}
}

// Router returns the gin engine serving the signaling routes
func (s *SignalServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), util.RequestLogger(s.logger))

	r.POST(types.PathRequestBind, s.handlers.RequestBindHandler)
	r.POST(types.PathBind, s.handlers.BindHandler)
	r.POST(types.PathUnbind, s.handlers.UnbindHandler)

	return r
}

// Start listens on addr and serves in the background
func (s *SignalServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:        s.Router(),
		ReadTimeout:    ServerReadTimeout,
		WriteTimeout:   ServerWriteTimeout,
		IdleTimeout:    ServerIdleTimeout,
		MaxHeaderBytes: MaxHeaderBytes,
	}

	go func() {
		if errServe := s.httpServer.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.logger.Error(errServe, "signaling server stopped")
		}
	}()

	s.logger.Info("Signaling server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the address the server listens on, nil before Start
func (s *SignalServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SignalServer) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
