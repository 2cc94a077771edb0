package store

import (
	"fmt"
	"time"
)

// Operation names an integration update.
type Operation string

const (
	// OpLinkExternal records a successful sync against an external issue.
	OpLinkExternal Operation = "link-external"

	// OpMarkSyncError records a failed sync attempt.
	OpMarkSyncError Operation = "mark-sync-error"

	// OpMergeFields merges arbitrary fields into the integration record.
	OpMergeFields Operation = "merge-fields"
)

// Sync statuses recorded under integrations.<name>.status.
const (
	SyncStatusSynced = "synced"
	SyncStatusError  = "error"
)

// UpdateData carries the values for an Operation.
type UpdateData struct {
	// Integration overrides the Mutator's default integration name.
	Integration string

	ExternalID string
	Identifier string
	URL        string
	StateID    string

	// Error is the failure message for OpMarkSyncError.
	Error string

	// Fields are merged verbatim by OpMergeFields.
	Fields map[string]any
}

// Valid reports whether op is implemented.
func (op Operation) Valid() bool {
	switch op {
	case OpLinkExternal, OpMarkSyncError, OpMergeFields:
		return true
	}
	return false
}

// changes returns the keys to set and remove in the integration record.
func (op Operation) changes(data UpdateData, now time.Time) (map[string]any, []string, error) {
	ts := now.Format(time.RFC3339Nano)

	switch op {
	case OpLinkExternal:
		if data.ExternalID == "" {
			return nil, nil, fmt.Errorf("%s requires an external id", op)
		}
		fields := map[string]any{
			"externalId": data.ExternalID,
			"syncedAt":   ts,
			"status":     SyncStatusSynced,
		}
		if data.URL != "" {
			fields["url"] = data.URL
		}
		if data.Identifier != "" {
			fields["identifier"] = data.Identifier
		}
		if data.StateID != "" {
			fields["stateId"] = data.StateID
		}
		return fields, []string{"lastError"}, nil

	case OpMarkSyncError:
		return map[string]any{
			"status":        SyncStatusError,
			"lastError":     data.Error,
			"lastAttemptAt": ts,
		}, nil, nil

	case OpMergeFields:
		fields := make(map[string]any, len(data.Fields))
		for k, v := range data.Fields {
			if k == "" {
				return nil, nil, fmt.Errorf("%s: empty field name", op)
			}
			fields[k] = v
		}
		return fields, nil, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}
