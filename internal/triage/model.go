package triage

import (
	"time"

	"github.com/simplesurance/automerge/internal/githubclt"
)

// ReviewDecision is the state of the latest review that the automerge user
// submitted for a pull request.
type ReviewDecision string

const (
	ReviewDecisionNone             ReviewDecision = "NONE"
	ReviewDecisionApproved         ReviewDecision = "APPROVED"
	ReviewDecisionDismissed        ReviewDecision = "DISMISSED"
	ReviewDecisionChangesRequested ReviewDecision = "CHANGES_REQUESTED"
)

// Comment is an issue comment of a pull request.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// ReviewEventKind is the type of a ReviewEvent.
type ReviewEventKind int

const (
	ReviewApproved ReviewEventKind = iota + 1
	ReviewDismissed
)

// ReviewEvent is an approval of the automerge user or the dismissal of
// one of its reviews.
type ReviewEvent struct {
	Kind      ReviewEventKind
	CreatedAt time.Time
}

// PullRequest is a snapshot of the state of a pull request at GitHub.
// It is created fresh for every run and never modified after it was
// created.
type PullRequest struct {
	Owner      string
	Repository string
	Number     int
	Title      string
	Branch     string
	BaseBranch string
	HeadCommit string

	State          githubclt.PRState
	Mergeable      githubclt.Mergeable
	MergeState     githubclt.MergeStateStatus
	ReviewDecision ReviewDecision
	CIStatus       githubclt.CIStatus
	// ChecksRunning is true when a check reported that it is in progress.
	ChecksRunning bool

	Labels   map[string]struct{}
	Comments []*Comment
}

// HasLabel returns true if the pull request has the label.
func (pr *PullRequest) HasLabel(label string) bool {
	_, exists := pr.Labels[label]
	return exists
}

// IsDirty returns true if the pull request has merge conflicts with its base
// branch.
func (pr *PullRequest) IsDirty() bool {
	return pr.Mergeable == githubclt.MergeableConflicting ||
		pr.MergeState == githubclt.MergeStateDirty
}

func hasTerminalLabel(labels map[string]struct{}) bool {
	for _, l := range TerminalLabels {
		if _, exists := labels[l]; exists {
			return true
		}
	}

	return false
}
