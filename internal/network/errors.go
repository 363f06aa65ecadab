package network

import (
	"errors"
	"fmt"
)

var (
	// ErrAssociationTimeout is returned when the link did not associate within
	// the configured association timeout
	ErrAssociationTimeout = errors.New("network: association timeout")
	// ErrNotConnected is returned by operations that need an attached link
	ErrNotConnected = errors.New("network: not connected")
	// ErrNotConfigured is returned by EnsureConnected before the first Connect
	ErrNotConfigured = errors.New("network: no network configuration")
	// ErrTunnelDown is returned by DialContext when a tunnel is configured but
	// not up
	ErrTunnelDown = errors.New("network: tunnel down")
	// ErrInvalidKey is returned for keys that are not 32 bytes of base64
	ErrInvalidKey = errors.New("network: invalid key")
)

// NetworkError is a link attachment failure
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TunnelError is a tunnel setup or liveness failure
type TunnelError struct {
	Op  string
	Err error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
