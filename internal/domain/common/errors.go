package common

import "errors"

var (
	ErrUnauthenticated = errors.New("authentication required or invalid credentials")
	ErrBadRequest      = errors.New("bad request")
	ErrPayloadTooLarge = errors.New("request body too large")
)
