package triage

import (
	"context"
	"fmt"

	"github.com/google/go-github/v82/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/logfields"
)

const reviewStateApproved = "APPROVED"

// snapshot retrieves the current state of a pull request from GitHub and
// derives its Signals.
func (t *Triager) snapshot(ctx context.Context, owner, repo string, ghPR *github.PullRequest) (*PullRequest, *Signals, error) {
	prNumber := ghPR.GetNumber()

	ghComments, err := t.clt.ListIssueComments(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("listing comments failed: %w", err)
	}

	ghReviews, err := t.clt.ListReviews(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("listing reviews failed: %w", err)
	}

	status, err := t.clt.PullRequestStatus(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving pull request status failed: %w", err)
	}

	pr := PullRequest{
		Owner:          owner,
		Repository:     repo,
		Number:         prNumber,
		Title:          ghPR.GetTitle(),
		Branch:         ghPR.GetHead().GetRef(),
		BaseBranch:     ghPR.GetBase().GetRef(),
		HeadCommit:     status.Commit,
		State:          status.State,
		Mergeable:      status.Mergeable,
		MergeState:     status.MergeStateStatus,
		CIStatus:       status.CIStatus,
		ChecksRunning:  status.ChecksRunning,
		ReviewDecision: reviewDecision(t.ourUser, ghReviews),
		Labels:         labelSet(ghPR.Labels),
		Comments:       toComments(ghComments),
	}

	if pr.HeadCommit == "" {
		pr.HeadCommit = ghPR.GetHead().GetSHA()
	}

	reviewEvents := toReviewEvents(t.ourUser, ghReviews, status.Dismissals)

	signals := Parse(t.vocab, t.ourUser, pr.Comments, reviewEvents)

	return &pr, &signals, nil
}

func labelSet(labels []*github.Label) map[string]struct{} {
	result := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		result[l.GetName()] = struct{}{}
	}

	return result
}

func toComments(comments []*githubclt.Comment) []*Comment {
	result := make([]*Comment, 0, len(comments))
	for _, c := range comments {
		result = append(result, &Comment{
			Author:    c.Author,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}

	return result
}

// reviewDecision returns the state of the latest review that ourUser
// submitted.
func reviewDecision(ourUser string, reviews []*githubclt.Review) ReviewDecision {
	var latest *githubclt.Review

	for _, r := range reviews {
		if r.Author != ourUser {
			continue
		}

		// comments do not change the review state
		if r.State == "COMMENTED" || r.State == "PENDING" {
			continue
		}

		if latest == nil || !r.SubmittedAt.Before(latest.SubmittedAt) {
			latest = r
		}
	}

	if latest == nil {
		return ReviewDecisionNone
	}

	switch latest.State {
	case reviewStateApproved:
		return ReviewDecisionApproved
	case "DISMISSED":
		return ReviewDecisionDismissed
	case "CHANGES_REQUESTED":
		return ReviewDecisionChangesRequested
	default:
		return ReviewDecisionNone
	}
}

// toReviewEvents returns the approvals of ourUser and the dismissals of its
// reviews.
// If GitHub did not return dismissal events but the latest review of ourUser
// is dismissed, the submission time of the review is used as dismissal time.
func toReviewEvents(ourUser string, reviews []*githubclt.Review, dismissals []*githubclt.ReviewDismissal) []*ReviewEvent {
	var result []*ReviewEvent

	for _, r := range reviews {
		if r.Author != ourUser || r.State != reviewStateApproved {
			continue
		}

		result = append(result, &ReviewEvent{Kind: ReviewApproved, CreatedAt: r.SubmittedAt})
	}

	var dismissalFound bool
	for _, d := range dismissals {
		if d.ReviewAuthor != ourUser {
			continue
		}

		dismissalFound = true
		result = append(result, &ReviewEvent{Kind: ReviewDismissed, CreatedAt: d.CreatedAt})
	}

	if !dismissalFound && reviewDecision(ourUser, reviews) == ReviewDecisionDismissed {
		for i := len(reviews) - 1; i >= 0; i-- {
			r := reviews[i]
			if r.Author == ourUser && r.State == "DISMISSED" {
				result = append(result, &ReviewEvent{Kind: ReviewDismissed, CreatedAt: r.SubmittedAt})
				break
			}
		}
	}

	return result
}

// LogFields returns zap fields describing the pull request.
func (pr *PullRequest) LogFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(pr.Owner),
		logfields.Repository(pr.Repository),
		logfields.PullRequest(pr.Number),
		logfields.Branch(pr.Branch),
		logfields.BaseBranch(pr.BaseBranch),
		logfields.Commit(pr.HeadCommit),
	}
}
