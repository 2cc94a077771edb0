package orchestrator

import (
	"errors"
	"strings"

	"github.com/mschirtzinger/taskbridge/internal/resolve"
	"github.com/mschirtzinger/taskbridge/internal/retry"
	"github.com/mschirtzinger/taskbridge/internal/store"
)

var (
	// ErrNoTeam is returned when no team key is configured.
	ErrNoTeam = errors.New("no team key configured")

	// ErrNoDatabase is returned by operations that need the mapping store.
	ErrNoDatabase = errors.New("no database configured")
)

// Error types reported in ErrorInfo.Type.
const (
	TypeLockTimeout         = "lock_timeout"
	TypeTaskNotFound        = "task_not_found"
	TypeDocumentCorrupt     = "document_corrupt"
	TypeRollbackFailed      = "rollback_failed"
	TypeUnknownOperation    = "unknown_operation"
	TypeNoStatesAvailable   = "no_states_available"
	TypeResolutionExhausted = "resolution_exhausted"
	TypeInvalidStatus       = "invalid_status"
	TypeConfiguration       = "configuration"
	TypeInternal            = "internal"
)

// ErrorInfo is the structured failure returned at the orchestration boundary.
type ErrorInfo struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// errorInfo classifies err. Store and resolution errors are checked before
// the external taxonomy; rollback failure comes first because it wraps its
// cause.
func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	info := &ErrorInfo{Message: err.Error()}

	var rerr *retry.Error
	switch {
	case errors.Is(err, store.ErrRollbackFailed):
		info.Type = TypeRollbackFailed
	case errors.Is(err, store.ErrLockTimeout):
		info.Type = TypeLockTimeout
		info.Retryable = true
	case errors.Is(err, store.ErrTaskNotFound):
		info.Type = TypeTaskNotFound
	case errors.Is(err, store.ErrDocumentCorrupt):
		info.Type = TypeDocumentCorrupt
	case errors.Is(err, store.ErrUnknownOperation):
		info.Type = TypeUnknownOperation
	case errors.Is(err, resolve.ErrNoStatesAvailable):
		info.Type = TypeNoStatesAvailable
	case errors.Is(err, resolve.ErrResolutionExhausted):
		info.Type = TypeResolutionExhausted
	case errors.Is(err, resolve.ErrInvalidStatus):
		info.Type = TypeInvalidStatus
	case errors.Is(err, ErrNoTeam), errors.Is(err, ErrNoDatabase):
		info.Type = TypeConfiguration
	case errors.As(err, &rerr):
		info.Type = externalType(rerr.Class)
		info.Retryable = rerr.Retryable
	default:
		if class := retry.Classify(err); class != retry.ClassUnknown {
			info.Type = externalType(class)
			info.Retryable = class.Retryable()
		} else {
			info.Type = TypeInternal
		}
	}

	info.Code = strings.ToUpper(info.Type)
	return info
}

func externalType(class retry.Class) string {
	return "external_" + strings.ReplaceAll(string(class), "-", "_")
}

// markable reports whether a failure should be recorded on the task itself.
// Store failures mean the document could not be written in the first place.
func markable(err error) bool {
	return !errors.Is(err, store.ErrTaskNotFound) &&
		!errors.Is(err, store.ErrDocumentCorrupt) &&
		!errors.Is(err, store.ErrLockTimeout) &&
		!errors.Is(err, store.ErrRollbackFailed)
}
