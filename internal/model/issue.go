package model

import (
	"fmt"
	"strings"
)

// Issue is a tracked issue fetched from the tracker.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	Priority    int      `json:"priority"`
	TeamID      string   `json:"team_id"`
	TeamName    string   `json:"team_name"`
	ProjectID   string   `json:"project_id,omitempty"`
	ProjectName string   `json:"project_name,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// IssuePack renders the issue as the markdown block embedded in prompts
// and snapshotted to the run's artifact directory.
func (i Issue) IssuePack() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Issue: %s\n\n", i.Identifier)
	fmt.Fprintf(&sb, "**Title:** %s\n", i.Title)
	fmt.Fprintf(&sb, "**Team:** %s\n", i.TeamName)
	fmt.Fprintf(&sb, "**State:** %s\n", i.State)
	fmt.Fprintf(&sb, "**Priority:** %d\n", i.Priority)
	if i.ProjectName != "" {
		fmt.Fprintf(&sb, "**Project:** %s\n", i.ProjectName)
	}
	if len(i.Labels) > 0 {
		fmt.Fprintf(&sb, "**Labels:** %s\n", strings.Join(i.Labels, ", "))
	}
	if i.URL != "" {
		fmt.Fprintf(&sb, "**URL:** %s\n", i.URL)
	}
	sb.WriteString("\n## Description\n\n")
	if i.Description == "" {
		sb.WriteString("_No description_")
	} else {
		sb.WriteString(i.Description)
	}
	return sb.String()
}
