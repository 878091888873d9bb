package router

import (
	"errors"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/pkg/protocol"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrAssignedToSelf  = errors.New("already assigned to requester")
	ErrAssignedToOther = errors.New("already assigned to another staff member")
)

// reasonFor maps a routing error to its wire reason code.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return protocol.ReasonValidation
	case errors.Is(err, ErrUnauthorized):
		return protocol.ReasonUnauthorized
	case errors.Is(err, ErrNotFound):
		return protocol.ReasonNotFound
	case errors.Is(err, ErrInvalidUserID):
		return protocol.ReasonInvalidUserID
	case errors.Is(err, ErrAssignedToSelf):
		return protocol.ReasonAssignedToSelf
	case errors.Is(err, ErrAssignedToOther):
		return protocol.ReasonAssignedToOther
	default:
		return protocol.ReasonInternal
	}
}
