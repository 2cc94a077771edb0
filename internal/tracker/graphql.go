package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultEndpoint is the public GraphQL endpoint of the service.
const DefaultEndpoint = "https://api.linear.app/graphql"

// HTTPClient is a GraphQL-over-HTTP Client.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client

	teamIDs   map[string]string
	teamIDsMu sync.Mutex
}

// NewHTTPClient creates a client for endpoint authenticated with apiKey.
// A zero timeout defaults to 30 seconds.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		teamIDs:  make(map[string]string),
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// do posts a GraphQL request and decodes data into out.
func (c *HTTPClient) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: truncate(string(respBody), 200)}
	}

	var gr graphQLResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       gr.Errors[0].Extensions.Code,
			Message:    gr.Errors[0].Message,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

const workflowStatesQuery = `query WorkflowStates($teamKey: String!, $first: Int!, $after: String, $includeArchived: Boolean) {
  workflowStates(first: $first, after: $after, includeArchived: $includeArchived, filter: { team: { key: { eq: $teamKey } } }) {
    nodes { id name type position archivedAt }
    pageInfo { hasNextPage endCursor }
  }
}`

// WorkflowStates implements StateLister.
func (c *HTTPClient) WorkflowStates(ctx context.Context, teamKey string, opts PageOptions) (*StatePage, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	vars := map[string]any{
		"teamKey":         teamKey,
		"first":           opts.PageSize,
		"includeArchived": opts.IncludeArchived,
	}
	if opts.After != "" {
		vars["after"] = opts.After
	}

	var data struct {
		WorkflowStates struct {
			Nodes []struct {
				ID         string     `json:"id"`
				Name       string     `json:"name"`
				Type       string     `json:"type"`
				Position   float64    `json:"position"`
				ArchivedAt *time.Time `json:"archivedAt"`
			} `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"workflowStates"`
	}
	if err := c.do(ctx, workflowStatesQuery, vars, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch workflow states for %s: %w", teamKey, err)
	}

	page := &StatePage{
		HasNextPage: data.WorkflowStates.PageInfo.HasNextPage,
		EndCursor:   data.WorkflowStates.PageInfo.EndCursor,
	}
	for _, n := range data.WorkflowStates.Nodes {
		page.States = append(page.States, WorkflowState{
			ID:       n.ID,
			Name:     n.Name,
			Type:     StateType(n.Type),
			Archived: n.ArchivedAt != nil,
			Position: n.Position,
		})
	}
	return page, nil
}

const teamQuery = `query Team($key: String!) {
  teams(filter: { key: { eq: $key } }) { nodes { id } }
}`

func (c *HTTPClient) teamID(ctx context.Context, teamKey string) (string, error) {
	c.teamIDsMu.Lock()
	id, ok := c.teamIDs[teamKey]
	c.teamIDsMu.Unlock()
	if ok {
		return id, nil
	}

	var data struct {
		Teams struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.do(ctx, teamQuery, map[string]any{"key": teamKey}, &data); err != nil {
		return "", fmt.Errorf("failed to look up team %s: %w", teamKey, err)
	}
	if len(data.Teams.Nodes) == 0 {
		return "", &APIError{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: "team " + teamKey + " not found"}
	}

	id = data.Teams.Nodes[0].ID
	c.teamIDsMu.Lock()
	c.teamIDs[teamKey] = id
	c.teamIDsMu.Unlock()
	return id, nil
}

const issueFields = `issue { id identifier url state { id } }`

const issueCreateMutation = `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) { success ` + issueFields + ` }
}`

const issueUpdateMutation = `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $id, input: $input) { success ` + issueFields + ` }
}`

type issuePayload struct {
	Success bool `json:"success"`
	Issue   struct {
		ID         string `json:"id"`
		Identifier string `json:"identifier"`
		URL        string `json:"url"`
		State      struct {
			ID string `json:"id"`
		} `json:"state"`
	} `json:"issue"`
}

func (p issuePayload) toIssue() *Issue {
	return &Issue{
		ID:         p.Issue.ID,
		Identifier: p.Issue.Identifier,
		URL:        p.Issue.URL,
		StateID:    p.Issue.State.ID,
	}
}

// UpsertIssue implements IssueWriter.
func (c *HTTPClient) UpsertIssue(ctx context.Context, in IssueInput) (*Issue, error) {
	input := map[string]any{"title": in.Title}
	if in.Description != "" {
		input["description"] = in.Description
	}
	if in.StateID != "" {
		input["stateId"] = in.StateID
	}

	if in.ID != "" {
		var data struct {
			IssueUpdate issuePayload `json:"issueUpdate"`
		}
		if err := c.do(ctx, issueUpdateMutation, map[string]any{"id": in.ID, "input": input}, &data); err != nil {
			return nil, fmt.Errorf("failed to update issue %s: %w", in.ID, err)
		}
		if !data.IssueUpdate.Success {
			return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: "issueUpdate reported failure"}
		}
		return data.IssueUpdate.toIssue(), nil
	}

	teamID, err := c.teamID(ctx, in.TeamKey)
	if err != nil {
		return nil, err
	}
	input["teamId"] = teamID

	var data struct {
		IssueCreate issuePayload `json:"issueCreate"`
	}
	if err := c.do(ctx, issueCreateMutation, map[string]any{"input": input}, &data); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	if !data.IssueCreate.Success {
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: "issueCreate reported failure"}
	}
	return data.IssueCreate.toIssue(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
