package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
)

// Class is the classification of a failed external call.
type Class string

const (
	ClassAuthentication Class = "authentication"
	ClassPermission     Class = "permission"
	ClassNotFound       Class = "not-found"
	ClassRateLimit      Class = "rate-limit"
	ClassNetwork        Class = "network"
	ClassServer         Class = "server"
	ClassValidation     Class = "validation"
	ClassUnknown        Class = "unknown"
)

// Retryable reports whether failures of this class are worth another attempt.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassNetwork, ClassServer, ClassUnknown:
		return true
	default:
		return false
	}
}

// Errors surfaced after classification.
//
// These can be checked with errors.Is() against any error returned by Do:
//
//	if errors.Is(err, retry.ErrExternalRateLimit) {
//	    // back off for longer
//	}
var (
	// ErrExternalAuth is returned when the external service rejected our credentials.
	ErrExternalAuth = errors.New("external service authentication failed")

	// ErrExternalPermission is returned when credentials are valid but lack access.
	ErrExternalPermission = errors.New("external service permission denied")

	// ErrExternalNotFound is returned when the requested entity does not exist.
	ErrExternalNotFound = errors.New("external entity not found")

	// ErrExternalRateLimit is returned when the service throttled the request.
	ErrExternalRateLimit = errors.New("external service rate limit exceeded")

	// ErrExternalNetwork is returned for transport failures.
	ErrExternalNetwork = errors.New("external service unreachable")

	// ErrExternalServer is returned for 5xx responses.
	ErrExternalServer = errors.New("external service error")

	// ErrExternalValidation is returned when the request payload was rejected.
	ErrExternalValidation = errors.New("external service rejected request")

	// ErrExternalUnknown covers failures that match no other class.
	ErrExternalUnknown = errors.New("external call failed")
)

var classSentinels = map[Class]error{
	ClassAuthentication: ErrExternalAuth,
	ClassPermission:     ErrExternalPermission,
	ClassNotFound:       ErrExternalNotFound,
	ClassRateLimit:      ErrExternalRateLimit,
	ClassNetwork:        ErrExternalNetwork,
	ClassServer:         ErrExternalServer,
	ClassValidation:     ErrExternalValidation,
	ClassUnknown:        ErrExternalUnknown,
}

// Sentinel returns the package sentinel error for a class.
func (c Class) Sentinel() error {
	if err, ok := classSentinels[c]; ok {
		return err
	}
	return ErrExternalUnknown
}

// Error is the most recent failure of an operation run by Do, annotated
// with its classification so callers can branch without parsing messages.
type Error struct {
	Class     Class
	Retryable bool
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error after %d attempt(s) (retryable=%t): %v", e.Class, e.Attempts, e.Retryable, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the class sentinel, so errors.Is(err, ErrExternalServer) works
// even though the wrapped error is the transport's own.
func (e *Error) Is(target error) bool {
	return target == e.Class.Sentinel()
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classified is implemented by errors that already know their class,
// e.g. GraphQL errors with an extension code.
type Classified interface {
	RetryClass() Class
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Class
	}

	var classified Classified
	if errors.As(err, &classified) {
		return classified.RetryClass()
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassNetwork
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	return ClassUnknown
}

func classifyStatus(status int) Class {
	switch {
	case status == 401:
		return ClassAuthentication
	case status == 403:
		return ClassPermission
	case status == 404:
		return ClassNotFound
	case status == 429:
		return ClassRateLimit
	case status == 400 || status == 422:
		return ClassValidation
	case status >= 500:
		return ClassServer
	default:
		return ClassUnknown
	}
}

// IsRetryable returns true if err was classified as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Retryable
	}
	return Classify(err).Retryable()
}

// IsFatal returns true for failures that will not resolve without user
// action (credentials or permissions).
func IsFatal(err error) bool {
	return errors.Is(err, ErrExternalAuth) || errors.Is(err, ErrExternalPermission)
}
