package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ErrorKind classifies a media acquisition failure.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindDeviceNotFound   ErrorKind = "device-not-found"
	KindDeviceBusy       ErrorKind = "device-busy"
	KindNotSupported     ErrorKind = "not-supported"
	KindSecurityBlocked  ErrorKind = "security-blocked"
	KindCancelled        ErrorKind = "cancelled"
	KindOverconstrained  ErrorKind = "overconstrained"
	KindUnknown          ErrorKind = "unknown"
)

// Sentinel errors a Capturer returns so Classify can map them.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
	ErrNotSupported     = errors.New("media capture not supported")
	ErrSecurityBlocked  = errors.New("media capture blocked by security policy")
	ErrOverconstrained  = errors.New("media constraints cannot be satisfied")
)

var messages = map[ErrorKind]string{
	KindPermissionDenied: "Camera or microphone access was denied. Allow access in your system settings and try again.",
	KindDeviceNotFound:   "No camera or microphone was found. Connect a device and try again.",
	KindDeviceBusy:       "Your camera or microphone is already in use by another application.",
	KindNotSupported:     "Calls are not supported on this device.",
	KindSecurityBlocked:  "Media access is blocked by a security policy. Calls require a secure connection.",
	KindCancelled:        "Media access was cancelled.",
	KindOverconstrained:  "Your camera does not support the requested quality settings.",
	KindUnknown:          "Could not start the camera or microphone.",
}

// Error is a classified acquisition failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the human-readable cause shown to the user.
func (e *Error) UserMessage() string {
	return messages[e.Kind]
}

// IsKind reports whether err is a media Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}

// Classify maps a raw capture error to a media Error. Errors that are
// already classified pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return &Error{Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return KindPermissionDenied
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return KindDeviceBusy
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, os.ErrNotExist),
		errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return KindDeviceNotFound
	case errors.Is(err, ErrNotSupported):
		return KindNotSupported
	case errors.Is(err, ErrSecurityBlocked):
		return KindSecurityBlocked
	case errors.Is(err, ErrOverconstrained):
		return KindOverconstrained
	}

	// Drivers report most failures as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return KindPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return KindDeviceBusy
	case strings.Contains(msg, "fits the constraints"), strings.Contains(msg, "overconstrained"):
		return KindOverconstrained
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "not found"):
		return KindDeviceNotFound
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "not implemented"):
		return KindNotSupported
	case strings.Contains(msg, "security"), strings.Contains(msg, "insecure"):
		return KindSecurityBlocked
	}
	return KindUnknown
}
