package server

import (
	"errors"
	"fmt"
)

var (
	ErrInit  = errors.New("server init failed")
	ErrStart = errors.New("server start failed")

	ErrBackendInit      = errors.New("capture backend init failed")
	ErrResourceCreation = errors.New("resource creation failed")
	ErrBind             = errors.New("bind failed")
	ErrListenerIO       = errors.New("listener I/O failure")

	ErrInvalidState         = errors.New("invalid lifecycle state")
	ErrStopTimeout          = errors.New("worker did not stop in time")
	ErrSelectionUnsupported = errors.New("capture backend does not support monitor selection")

	errWaitSet = errors.New("wait set exceeds handle limit")
)

func initError(kind, err error) error {
	return fmt.Errorf("%w: %w: %w", ErrInit, kind, err)
}

func startError(kind, err error) error {
	return fmt.Errorf("%w: %w: %w", ErrStart, kind, err)
}
