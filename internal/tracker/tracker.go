// Package tracker talks to the external workflow-tracking service.
//
// Only the calls the sync path needs are modelled: paginated workflow-state
// listing per team, and issue create/update. Errors carry the HTTP status
// (or a GraphQL extension code) so the retry package can classify them.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/mschirtzinger/taskbridge/internal/retry"
)

// StateType is the closed set of workflow-state types the service exposes.
type StateType string

const (
	StateTypeTriage    StateType = "triage"
	StateTypeBacklog   StateType = "backlog"
	StateTypeUnstarted StateType = "unstarted"
	StateTypeStarted   StateType = "started"
	StateTypeCompleted StateType = "completed"
	StateTypeCanceled  StateType = "canceled"
)

// WorkflowState is one workflow state of a team.
// The ID is stable across renames; Name is not.
type WorkflowState struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     StateType `json:"type"`
	Archived bool      `json:"archived"`
	Position float64   `json:"position"`
}

// PageOptions configures a workflow-state page request.
type PageOptions struct {
	IncludeArchived bool
	PageSize        int
	After           string
}

// StatePage is one page of workflow states.
type StatePage struct {
	States      []WorkflowState
	HasNextPage bool
	EndCursor   string
}

// IssueInput describes an issue to create or update.
type IssueInput struct {
	// ID is the external issue id; empty means create.
	ID          string
	TeamKey     string
	Title       string
	Description string
	StateID     string
}

// Issue is the subset of an external issue the sync path records.
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
	StateID    string `json:"stateId"`
}

// StateLister fetches workflow states.
type StateLister interface {
	WorkflowStates(ctx context.Context, teamKey string, opts PageOptions) (*StatePage, error)
}

// IssueWriter creates and updates issues.
type IssueWriter interface {
	UpsertIssue(ctx context.Context, in IssueInput) (*Issue, error)
}

// Client is the full external surface used by this tool.
type Client interface {
	StateLister
	IssueWriter
}

// APIError is a failed call to the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tracker API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tracker API error %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus implements retry.StatusCoder.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// RetryClass implements retry.Classified. GraphQL failures arrive as HTTP
// 200 with an extension code, so the status alone is not enough.
func (e *APIError) RetryClass() retry.Class {
	switch strings.ToUpper(e.Code) {
	case "AUTHENTICATION_ERROR", "UNAUTHENTICATED":
		return retry.ClassAuthentication
	case "FORBIDDEN":
		return retry.ClassPermission
	case "ENTITY_NOT_FOUND", "NOT_FOUND":
		return retry.ClassNotFound
	case "RATELIMITED", "RATE_LIMITED":
		return retry.ClassRateLimit
	case "INVALID_INPUT", "BAD_USER_INPUT", "GRAPHQL_VALIDATION_FAILED":
		return retry.ClassValidation
	case "INTERNAL_SERVER_ERROR":
		return retry.ClassServer
	}

	switch {
	case e.StatusCode == 401:
		return retry.ClassAuthentication
	case e.StatusCode == 403:
		return retry.ClassPermission
	case e.StatusCode == 404:
		return retry.ClassNotFound
	case e.StatusCode == 429:
		return retry.ClassRateLimit
	case e.StatusCode == 400 || e.StatusCode == 422:
		return retry.ClassValidation
	case e.StatusCode >= 500:
		return retry.ClassServer
	}
	return retry.ClassUnknown
}
