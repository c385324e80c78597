// Package faults defines the error taxonomy shared by the capture pipeline.
package faults

import "errors"

var (
	// ErrPermissionDenied is fatal: capture or recognition was refused by the user.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceUnavailable means no usable camera/microphone could be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrTransientEngine covers recoverable recognition errors (no-speech, network).
	ErrTransientEngine = errors.New("transient engine error")
	// ErrUnsupportedEnvironment means no recognition capability is available.
	ErrUnsupportedEnvironment = errors.New("speech recognition unsupported")
	// ErrSignaling covers peer directory registration and poll failures.
	ErrSignaling = errors.New("signaling failure")
	// ErrCallSetup means an outbound or inbound call could not be established.
	ErrCallSetup = errors.New("call setup failure")
	// ErrCallCollision means both peers dialed each other and the remote
	// side kept its own outbound call.
	ErrCallCollision = errors.New("call collision")
)

// IsFatal reports whether err must stop the session instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupportedEnvironment)
}
