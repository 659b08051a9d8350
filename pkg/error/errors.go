package errors

import (
	"errors"
	"fmt"
)

var (
	// Resolution errors
	ErrNoRouteToPeer = errors.New("no route to peer")
	ErrTimeout       = errors.New("timed out waiting for peer")
	ErrRejected      = errors.New("bind rejected by peer")
	ErrAlreadyBound  = errors.New("peer already bound")
	ErrNotBound      = errors.New("peer not bound")
	ErrInvalidTarget = errors.New("invalid bind target")
	ErrInvalidOrigin = errors.New("invalid message origin")

	// Provisioning errors
	ErrNoFreeAddress     = errors.New("no free address in local subnet")
	ErrIfaceProvisioning = errors.New("failed to provision tunnel interface")
	ErrIfaceTeardown     = errors.New("failed to tear down tunnel interface")
	ErrInvalidPort       = errors.New("invalid port")

	// Signaling errors
	ErrRequestBind = errors.New("failed to send bind request")
	ErrBind        = errors.New("failed to send bind")
	ErrUnbind      = errors.New("failed to send unbind")
	ErrBadResponse = errors.New("unexpected signaling response")
)

func Wrap(step error, err error) error {
	return fmt.Errorf("%w: %w", step, err)
}
