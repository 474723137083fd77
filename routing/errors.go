package routing

import (
	"errors"
)

//goland:noinspection ALL
var (
	ErrInvalidRouteParameter  = errors.New("routing: invalid route parameter")
	ErrInvalidRouteFilter     = errors.New("routing: filter is not compatible with route direction")
	ErrRouteArity             = errors.New("routing: rate argument not accepted by route type")
	ErrRouteNotImplemented    = errors.New("routing: route type is not implemented")
	ErrInvalidFilterParameter = errors.New("routing: invalid filter parameter")
	ErrInvalidQuota           = errors.New("routing: invalid quota")
	ErrQuotaExceeded          = errors.New("routing: quota exceeded")
	ErrInvalidTableParameter  = errors.New("routing: invalid routing table parameter")
)
