package domain

import (
	"path"
	"strings"
	"time"
)

// State identifies where a deployment sits in its lifecycle.
type State string

const (
	StateCloning  State = "cloning"
	StateBuilding State = "building"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// transitions holds the legal lifecycle edges. The forward path is
// cloning -> building -> running -> stopped with failed reachable from
// the first two stages. running -> running covers restart, and restart
// also resurrects stopped and failed records.
var transitions = map[State][]State{
	StateCloning:  {StateBuilding, StateRunning, StateFailed},
	StateBuilding: {StateRunning, StateFailed},
	StateRunning:  {StateStopped, StateRunning},
	StateStopped:  {StateRunning},
	StateFailed:   {StateRunning},
}

// CanTransition reports whether moving to next is a legal lifecycle edge.
func (s State) CanTransition(next State) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Deployment captures a single tracked clone/build/run instance.
type Deployment struct {
	ID        string
	RepoURL   string
	RepoName  string
	BuildCmd  string
	RunCmd    string
	EnvVars   map[string]string
	EnvFile   string
	Proxy     string
	Workdir   string
	RunEnv    []string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the listing view of a deployment.
type Summary struct {
	ID       string
	RepoName string
	RepoURL  string
	State    State
}

// RepoNameFromURL derives the repository short name from a clone URL:
// the last path segment with any .git suffix stripped.
func RepoNameFromURL(repoURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	if i := strings.LastIndex(trimmed, ":"); i >= 0 && !strings.Contains(trimmed[i:], "/") {
		// scp-style URL with no path separator after the colon
		trimmed = trimmed[i+1:]
	}
	name := path.Base(trimmed)
	if name == "." || name == "/" || name == "" {
		return "repo"
	}
	return name
}
