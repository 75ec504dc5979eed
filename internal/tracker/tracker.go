// Package tracker talks to the issue tracker's GraphQL API.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haruyama/ailoop/internal/model"
)

// Filters narrows a List call. Empty fields are not sent.
type Filters struct {
	TeamKey string
	Project string
	State   string
	Label   string
	Limit   int
}

// Client is the tracker surface the pipeline needs.
type Client interface {
	Fetch(ctx context.Context, identifier string) (model.Issue, error)
	List(ctx context.Context, f Filters) ([]model.Issue, error)
	Comment(ctx context.Context, issueID, body string) error
}

const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

// GraphQLClient implements Client against a Linear-compatible GraphQL
// endpoint. Transient failures (network errors, 429, 5xx) are retried
// with exponential backoff; 4xx responses are final.
type GraphQLClient struct {
	endpoint string
	apiKey   string
	http     *http.Client

	// backoff is the first retry delay, doubling per attempt.
	backoff time.Duration
}

func NewGraphQLClient(cfg model.TrackerConfig) *GraphQLClient {
	return &GraphQLClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		backoff: initialBackoff,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// issueNode mirrors the GraphQL issue shape.
type issueNode struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    float64 `json:"priority"`
	URL         string  `json:"url"`
	State       struct {
		Name string `json:"name"`
	} `json:"state"`
	Team struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"team"`
	Project *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

func (n issueNode) toIssue() model.Issue {
	issue := model.Issue{
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		State:       n.State.Name,
		Priority:    int(n.Priority),
		TeamID:      n.Team.ID,
		TeamName:    n.Team.Name,
		URL:         n.URL,
	}
	if n.Project != nil {
		issue.ProjectID = n.Project.ID
		issue.ProjectName = n.Project.Name
	}
	for _, l := range n.Labels.Nodes {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue
}

const issueFields = `
id
identifier
title
description
priority
url
state { name }
team { id key name }
project { id name }
labels { nodes { name } }
`

// Fetch resolves an issue by its human identifier (e.g. ENG-123).
// The direct lookup is tried first; some API versions only accept
// UUIDs there, so a team-key/number filter query is the fallback.
func (c *GraphQLClient) Fetch(ctx context.Context, identifier string) (model.Issue, error) {
	query := fmt.Sprintf(`query($id: String!) { issue(id: $id) { %s } }`, issueFields)
	data, err := c.execute(ctx, query, map[string]any{"id": identifier})
	if err == nil {
		var out struct {
			Issue *issueNode `json:"issue"`
		}
		if err := json.Unmarshal(data, &out); err == nil && out.Issue != nil && out.Issue.ID != "" {
			return out.Issue.toIssue(), nil
		}
	}

	teamKey, number, splitErr := splitIdentifier(identifier)
	if splitErr != nil {
		if err != nil {
			return model.Issue{}, fmt.Errorf("fetch issue %s: %w", identifier, err)
		}
		return model.Issue{}, fmt.Errorf("issue %s not found", identifier)
	}

	filterQuery := fmt.Sprintf(`query($teamKey: String!, $number: Float!) {
		issues(filter: { team: { key: { eq: $teamKey } }, number: { eq: $number } }, first: 1) {
			nodes { %s }
		}
	}`, issueFields)
	data, err = c.execute(ctx, filterQuery, map[string]any{
		"teamKey": teamKey,
		"number":  number,
	})
	if err != nil {
		return model.Issue{}, fmt.Errorf("fetch issue %s: %w", identifier, err)
	}
	var out struct {
		Issues struct {
			Nodes []issueNode `json:"nodes"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return model.Issue{}, fmt.Errorf("parse issue response: %w", err)
	}
	if len(out.Issues.Nodes) == 0 {
		return model.Issue{}, fmt.Errorf("issue %s not found", identifier)
	}
	return out.Issues.Nodes[0].toIssue(), nil
}

// List returns issues matching the filters, for batch selection.
func (c *GraphQLClient) List(ctx context.Context, f Filters) ([]model.Issue, error) {
	var clauses []string
	vars := map[string]any{}
	var varDecls []string

	if f.TeamKey != "" {
		clauses = append(clauses, "team: { key: { eq: $teamKey } }")
		varDecls = append(varDecls, "$teamKey: String!")
		vars["teamKey"] = f.TeamKey
	}
	if f.Project != "" {
		clauses = append(clauses, "project: { name: { eq: $project } }")
		varDecls = append(varDecls, "$project: String!")
		vars["project"] = f.Project
	}
	if f.State != "" {
		clauses = append(clauses, "state: { name: { eq: $state } }")
		varDecls = append(varDecls, "$state: String!")
		vars["state"] = f.State
	}
	if f.Label != "" {
		clauses = append(clauses, "labels: { name: { eq: $label } }")
		varDecls = append(varDecls, "$label: String!")
		vars["label"] = f.Label
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	decl := ""
	if len(varDecls) > 0 {
		decl = "(" + strings.Join(varDecls, ", ") + ")"
	}
	filter := ""
	if len(clauses) > 0 {
		filter = fmt.Sprintf("filter: { %s }, ", strings.Join(clauses, ", "))
	}
	query := fmt.Sprintf(`query%s { issues(%sfirst: %d) { nodes { %s } } }`,
		decl, filter, limit, issueFields)

	data, err := c.execute(ctx, query, vars)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	var out struct {
		Issues struct {
			Nodes []issueNode `json:"nodes"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse issues response: %w", err)
	}
	issues := make([]model.Issue, 0, len(out.Issues.Nodes))
	for _, n := range out.Issues.Nodes {
		issues = append(issues, n.toIssue())
	}
	return issues, nil
}

// Comment posts a markdown comment on the issue.
func (c *GraphQLClient) Comment(ctx context.Context, issueID, body string) error {
	mutation := `mutation($issueId: String!, $body: String!) {
		commentCreate(input: { issueId: $issueId, body: $body }) { success }
	}`
	data, err := c.execute(ctx, mutation, map[string]any{
		"issueId": issueID,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("add comment to %s: %w", issueID, err)
	}
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parse comment response: %w", err)
	}
	if !out.CommentCreate.Success {
		return fmt.Errorf("comment on %s was not accepted", issueID)
	}
	return nil
}

func (c *GraphQLClient) execute(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		data, retryable, err := c.doRequest(ctx, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (c *GraphQLClient) doRequest(ctx context.Context, payload []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("tracker returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("tracker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var gr gqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, false, fmt.Errorf("parse graphql response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, false, fmt.Errorf("graphql error: %s", gr.Errors[0].Message)
	}
	return gr.Data, false, nil
}

// splitIdentifier breaks ENG-123 into its team key and issue number.
func splitIdentifier(identifier string) (string, int, error) {
	idx := strings.LastIndex(identifier, "-")
	if idx <= 0 || idx == len(identifier)-1 {
		return "", 0, fmt.Errorf("identifier %q is not TEAM-NUMBER shaped", identifier)
	}
	number, err := strconv.Atoi(identifier[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("identifier %q is not TEAM-NUMBER shaped", identifier)
	}
	return identifier[:idx], number, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
