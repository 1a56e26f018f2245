package triage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/logfields"
)

// DryGithubClient is a github-client that does not do any changes on github.
// All operations that could cause a change are simulated and always succeed.
// All all other operations are forwarded to a wrapped GithubClient.
// Pull requests whose branch update was simulated are reported as up to
// date with their base branch by PullRequestStatus.
type DryGithubClient struct {
	clt    GithubClient
	logger *zap.Logger

	mu              sync.Mutex
	updatedBranches map[string]struct{}
}

func NewDryGithubClient(clt GithubClient, logger *zap.Logger) *DryGithubClient {
	return &DryGithubClient{
		clt:             clt,
		logger:          logger.Named("dry_github_client"),
		updatedBranches: map[string]struct{}{},
	}
}

func (c *DryGithubClient) logSimulated(msg, owner, repo string, prNumber int, fields ...zap.Field) {
	c.logger.Info(
		msg,
		append(fields,
			logfields.Event("github_operation_simulated"),
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.PullRequest(prNumber),
		)...,
	)
}

func (c *DryGithubClient) ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) githubclt.PRIterator {
	return c.clt.ListPullRequests(ctx, owner, repo, state, sort, sortDirection)
}

func (c *DryGithubClient) ListIssueComments(ctx context.Context, owner, repo string, pullRequestNumber int) ([]*githubclt.Comment, error) {
	return c.clt.ListIssueComments(ctx, owner, repo, pullRequestNumber)
}

func (c *DryGithubClient) ListReviews(ctx context.Context, owner, repo string, pullRequestNumber int) ([]*githubclt.Review, error) {
	return c.clt.ListReviews(ctx, owner, repo, pullRequestNumber)
}

func prKey(owner, repo string, pullRequestNumber int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, pullRequestNumber)
}

func (c *DryGithubClient) PullRequestStatus(ctx context.Context, owner, repo string, pullRequestNumber int) (*githubclt.PRStatus, error) {
	status, err := c.clt.PullRequestStatus(ctx, owner, repo, pullRequestNumber)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	_, updated := c.updatedBranches[prKey(owner, repo, pullRequestNumber)]
	c.mu.Unlock()

	if !updated || status.MergeStateStatus != githubclt.MergeStateBehind {
		return status, nil
	}

	simulated := *status
	simulated.MergeStateStatus = githubclt.MergeStateBlocked

	return &simulated, nil
}

func (c *DryGithubClient) CreateIssueComment(_ context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	c.logSimulated("simulated creating of github issue comment, no comment created on github",
		owner, repo, issueOrPRNr, zap.String("comment", comment))
	return nil
}

func (c *DryGithubClient) AddLabel(_ context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	c.logSimulated("simulated adding label, no label added on github",
		owner, repo, pullRequestOrIssueNumber, logfields.Label(label))
	return nil
}

func (c *DryGithubClient) RemoveLabel(_ context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	c.logSimulated("simulated removing label, no label removed on github",
		owner, repo, pullRequestOrIssueNumber, logfields.Label(label))
	return nil
}

func (c *DryGithubClient) Approve(_ context.Context, owner, repo string, pullRequestNumber int) error {
	c.logSimulated("simulated approving pull request", owner, repo, pullRequestNumber)
	return nil
}

func (c *DryGithubClient) Merge(_ context.Context, owner, repo string, pullRequestNumber int, mergeMethod string) error {
	c.logSimulated("simulated merging pull request", owner, repo, pullRequestNumber, zap.String("merge_method", mergeMethod))
	return nil
}

func (c *DryGithubClient) UpdateBranch(_ context.Context, owner, repo string, pullRequestNumber int) (*githubclt.UpdateBranchResult, error) {
	c.mu.Lock()
	c.updatedBranches[prKey(owner, repo, pullRequestNumber)] = struct{}{}
	c.mu.Unlock()

	c.logSimulated("simulated updating of github branch", owner, repo, pullRequestNumber)

	return &githubclt.UpdateBranchResult{Changed: true, Scheduled: true}, nil
}

func (c *DryGithubClient) ClosePullRequest(_ context.Context, owner, repo string, pullRequestNumber int) error {
	c.logSimulated("simulated closing pull request", owner, repo, pullRequestNumber)
	return nil
}
