package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/yago-123/dapn/pkg/bind"
	"github.com/yago-123/dapn/pkg/directory"
	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/peer"
	"github.com/yago-123/dapn/pkg/util"
)

const (
	ServerReadTimeout  = 5 * time.Second
	ServerWriteTimeout = 60 * time.Second
	ServerIdleTimeout  = 10 * time.Second
	MaxHeaderBytes     = 1 << 20
)

// Binder runs local bind intents
type Binder interface {
	Bind(ctx context.Context, target peer.Identity, params bind.Params) (*peer.BoundPeer, error)
	Unbind(ctx context.Context, target peer.Identity) error
}

// Ports manages the exposed port set
type Ports interface {
	Expose(ctx context.Context, port uint16) error
	Unexpose(ctx context.Context, port uint16) error
	Exposed() []uint16
}

// Server serves the local control API used by the CLI. It is meant to listen on loopback only
type Server struct {
	binder  Binder
	ports   Ports
	dir     *directory.Directory
	metrics http.Handler

	httpServer *http.Server
	listener   net.Listener
	logger     logr.Logger
}

// NewServer creates the control server. metrics may be nil
func NewServer(binder Binder, ports Ports, dir *directory.Directory, metrics http.Handler, logger logr.Logger) *Server {
	return &Server{
		binder:  binder,
		ports:   ports,
		dir:     dir,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), util.RequestLogger(s.logger))

	r.POST(PathBind, s.bindHandler)
	r.POST(PathUnbind, s.unbindHandler)
	r.POST(PathExpose, s.exposeHandler)
	r.POST(PathUnexpose, s.unexposeHandler)
	r.GET(PathBound, s.boundHandler)
	r.GET(PathExposed, s.exposedHandler)
	r.GET(PathKnown, s.knownHandler)
	r.POST(PathKnown, s.rememberHandler)
	if s.metrics != nil {
		r.GET(PathMetrics, gin.WrapH(s.metrics))
	}

	return r
}

func (s *Server) Start(addr string) error {
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
			s.logger.Error(errServe, "control server stopped")
		}
	}()

	s.logger.Info("Control server listening", "address", ln.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) bindHandler(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Target == "" {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	var params bind.Params
	if req.Remote != "" {
		remote, err := peer.ParseAddress(req.Remote)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		params.Remote = remote
	}
	if req.Local != "" {
		local, err := netip.ParseAddr(req.Local)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid local address")
			return
		}
		params.Local = local
	}

	bp, err := s.binder.Bind(c.Request.Context(), peer.Identity(req.Target), params)
	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, bp)
}

func (s *Server) unbindHandler(c *gin.Context) {
	var req UnbindRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Target == "" {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.binder.Unbind(c.Request.Context(), peer.Identity(req.Target)); err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	c.String(http.StatusOK, "ok")
}

func (s *Server) exposeHandler(c *gin.Context) {
	var req PortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ports.Expose(c.Request.Context(), req.Port); err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, s.ports.Exposed())
}

func (s *Server) unexposeHandler(c *gin.Context) {
	var req PortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ports.Unexpose(c.Request.Context(), req.Port); err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, s.ports.Exposed())
}

func (s *Server) boundHandler(c *gin.Context) {
	bound := s.dir.BoundPeers()
	if bound == nil {
		bound = []peer.BoundPeer{}
	}
	c.JSON(http.StatusOK, bound)
}

func (s *Server) exposedHandler(c *gin.Context) {
	ports := s.ports.Exposed()
	if ports == nil {
		ports = []uint16{}
	}
	c.JSON(http.StatusOK, ports)
}

func (s *Server) knownHandler(c *gin.Context) {
	known := s.dir.KnownPeers()
	if known == nil {
		known = []peer.KnownPeer{}
	}
	c.JSON(http.StatusOK, known)
}

func (s *Server) rememberHandler(c *gin.Context) {
	var req RememberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Identity == "" {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := peer.ParseAddress(req.Address)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if errRemember := s.dir.Remember(peer.Identity(req.Identity), addr); errRemember != nil {
		c.String(http.StatusInternalServerError, "failed to remember peer")
		return
	}

	c.String(http.StatusOK, "ok")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dapnerr.ErrInvalidTarget), errors.Is(err, dapnerr.ErrInvalidPort):
		return http.StatusBadRequest
	case errors.Is(err, dapnerr.ErrNotBound), errors.Is(err, dapnerr.ErrNoRouteToPeer):
		return http.StatusNotFound
	case errors.Is(err, dapnerr.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, dapnerr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
