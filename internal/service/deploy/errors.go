package deploy

import "errors"

// Sentinel errors surfaced to the boundary layer.
var (
	ErrInvalidRequest = errors.New("invalid deploy request")
	ErrSpawn          = errors.New("process start failed")
)
