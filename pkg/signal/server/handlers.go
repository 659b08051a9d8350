package server

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yago-123/dapn/pkg/bind"
	dapnerr "github.com/yago-123/dapn/pkg/error"
	"github.com/yago-123/dapn/pkg/peer"
	"github.com/yago-123/dapn/pkg/signal/types"
)

// Dispatcher processes the signaling messages received from other peers
type Dispatcher interface {
	HandleRequestBind(ctx context.Context, origin bind.Origin, target peer.Identity) (peer.Address, bool)
	HandleBind(ctx context.Context, origin bind.Origin) (peer.Address, error)
	HandleUnbind(ctx context.Context, origin bind.Origin) error
}

type Handler struct {
	dispatcher Dispatcher
}

func NewHandler(d Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RequestBindHandler godoc
// @Summary      Request a bind
// @Description  Resolves the target locally or relays the request once to the target
// @Tags         signaling
// @Accept       json
// @Produce      json
// @Param        requestBind body types.RequestBind true "Target identity"
// @Success      200  {object}  types.BindAddressResponse
// @Success      204  {string}  string "request dropped"
// @Failure      400  {string}  string "invalid request body or origin"
// @Router       /request/bind [post]
func (h *Handler) RequestBindHandler(c *gin.Context) {
	var req types.RequestBind
	if err := c.ShouldBindJSON(&req); err != nil || req.Target == "" {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	origin, err := ParseOrigin(c.Request.Header)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	addr, ok := h.dispatcher.HandleRequestBind(c.Request.Context(), origin, peer.Identity(req.Target))
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, types.NewBindAddressResponse(addr))
}

// BindHandler godoc
// @Summary      Bind
// @Description  Provisions the tunnel towards the sender when the accept policy allows it
// @Tags         signaling
// @Accept       json
// @Produce      json
// @Param        bind body types.Bind true "Signaling address of the sender"
// @Success      200  {object}  types.BindAddressResponse
// @Failure      400  {string}  string "invalid request body or origin"
// @Failure      403  {string}  string "bind rejected"
// @Failure      500  {string}  string "failed to provision tunnel"
// @Router       /bind [post]
func (h *Handler) BindHandler(c *gin.Context) {
	var req types.Bind
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	origin, err := ParseOrigin(c.Request.Header)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	// the body carries the address the sender wants to be reached at
	if addr, errAddr := req.Address(); errAddr == nil {
		origin.Address = addr
	}

	addr, err := h.dispatcher.HandleBind(c.Request.Context(), origin)
	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, types.NewBindAddressResponse(addr))
}

// UnbindHandler godoc
// @Summary      Unbind
// @Description  Tears down the tunnel towards the sender
// @Tags         signaling
// @Produce      json
// @Success      200  {string}  string "ok"
// @Failure      400  {string}  string "invalid origin"
// @Failure      500  {string}  string "failed to tear down tunnel"
// @Router       /unbind [post]
func (h *Handler) UnbindHandler(c *gin.Context) {
	origin, err := ParseOrigin(c.Request.Header)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	if errUnbind := h.dispatcher.HandleUnbind(c.Request.Context(), origin); errUnbind != nil {
		c.String(statusFor(errUnbind), errUnbind.Error())
		return
	}

	c.String(http.StatusOK, "ok")
}

// ParseOrigin reads the sender metadata from the request headers. Only the identity is mandatory
func ParseOrigin(h http.Header) (bind.Origin, error) {
	origin := bind.Origin{
		Identity:  peer.Identity(h.Get(types.HeaderOriginUser)),
		RequestID: h.Get(types.HeaderRequestID),
	}
	if origin.Identity == "" {
		return bind.Origin{}, dapnerr.Wrap(dapnerr.ErrInvalidOrigin, errors.New("missing origin user"))
	}

	if relayed := h.Get(types.HeaderRelayed); relayed != "" {
		origin.Relayed, _ = strconv.ParseBool(relayed)
	}

	rawIP, rawPort := h.Get(types.HeaderOriginIP), h.Get(types.HeaderOriginPort)
	if rawIP == "" && rawPort == "" {
		return origin, nil
	}

	ip, err := netip.ParseAddr(rawIP)
	if err != nil {
		return bind.Origin{}, dapnerr.Wrap(dapnerr.ErrInvalidOrigin, err)
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return bind.Origin{}, dapnerr.Wrap(dapnerr.ErrInvalidOrigin, errors.New("invalid origin port"))
	}
	origin.Address = netip.AddrPortFrom(ip, uint16(port))

	return origin, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dapnerr.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, dapnerr.ErrInvalidOrigin):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
