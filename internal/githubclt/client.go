// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/automerge/internal/amerr"
	"github.com/simplesurance/automerge/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const perPage = 100

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// New returns a new github api client.
// Requests are sent through an ETag caching transport and the
// go-github-ratelimit middleware, which sleeps when GitHub reports that the
// secondary rate limit was hit.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	rateLimitClient := github_ratelimit.NewClient(httpcache.NewMemoryCacheTransport())

	if apiToken == "" {
		rateLimitClient.Timeout = DefaultHTTPClientTimeout
		return rateLimitClient
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   rateLimitClient.Transport,
		},
		Timeout: DefaultHTTPClientTimeout,
	}
}

// Client is an github API client.
// All methods return an amerr.RetryableError when an operation failed
// temporarily, e.g. because the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// Comment is an issue comment of a pull request.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// Review is a pull request review.
type Review struct {
	ID          int64
	Author      string
	State       string
	SubmittedAt time.Time
}

// BranchIsBehindBase returns true if branch is based on an old commit of baseBranch.
// If it is based on older commit, false is returned.
func (clt *Client) BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (behind bool, err error) {
	cmp, _, err := clt.restClt.Repositories.CompareCommits(ctx, owner, repo, baseBranch, branch, &github.ListOptions{PerPage: 1})
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	if cmp.BehindBy == nil {
		return false, amerr.NewRetryableAnytimeError(errors.New("github returned a nil BehindBy field"))
	}

	return *cmp.BehindBy > 0, nil
}

// PRIsUptodate returns true if the pull request is open and contains all
// changes from it's base branch.
// Additionally it returns the SHA of the head commit for which the status was
// checked.
// If the PR is closed ErrPullRequestIsClosed is returned.
func (clt *Client) PRIsUptodate(ctx context.Context, owner, repo string, pullRequestNumber int) (isUptodate bool, headSHA string, err error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, pullRequestNumber)
	if err != nil {
		return false, "", clt.wrapRetryableErrors(err)
	}

	if pr.GetState() == "closed" {
		return false, "", ErrPullRequestIsClosed
	}

	prHead := pr.GetHead()
	if prHead == nil {
		return false, "", errors.New("got pull request object with empty head")
	}

	prHeadSHA := prHead.GetSHA()
	if prHeadSHA == "" {
		return false, "", errors.New("got pull request object with empty head sha")
	}

	if pr.GetMergeableState() == "behind" {
		return false, prHeadSHA, nil
	}

	prBranch := prHead.GetRef()
	if prBranch == "" {
		return false, "", errors.New("got pull request object with empty ref field")
	}

	baseBranch := pr.GetBase().GetRef()
	if baseBranch == "" {
		return false, "", errors.New("got pull request object with empty base ref field")
	}

	isBehind, err := clt.BranchIsBehindBase(ctx, owner, repo, baseBranch, prBranch)
	if err != nil {
		return false, "", fmt.Errorf("evaluating if branch is behind base failed: %w", err)
	}

	return !isBehind, prHeadSHA, nil
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// ListIssueComments returns all issue comments of a pull request, oldest
// first. All result pages are fetched and concatenated.
func (clt *Client) ListIssueComments(ctx context.Context, owner, repo string, pullRequestNumber int) ([]*Comment, error) {
	var result []*Comment

	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		comments, resp, err := clt.restClt.Issues.ListComments(ctx, owner, repo, pullRequestNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments (page %d) failed: %w", opts.Page, clt.wrapRetryableErrors(err))
		}

		for _, c := range comments {
			result = append(result, &Comment{
				ID:        c.GetID(),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListReviews returns all reviews of a pull request in the order they were
// submitted.
func (clt *Client) ListReviews(ctx context.Context, owner, repo string, pullRequestNumber int) ([]*Review, error) {
	var result []*Review

	opts := &github.ListOptions{PerPage: perPage}

	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, pullRequestNumber, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews (page %d) failed: %w", opts.Page, clt.wrapRetryableErrors(err))
		}

		for _, r := range reviews {
			result = append(result, &Review{
				ID:          r.GetID(),
				Author:      r.GetUser().GetLogin(),
				State:       r.GetState(),
				SubmittedAt: r.GetSubmittedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// Approve submits an approving review for the pull request.
func (clt *Client) Approve(ctx context.Context, owner, repo string, pullRequestNumber int) error {
	_, _, err := clt.restClt.PullRequests.CreateReview(ctx, owner, repo, pullRequestNumber, &github.PullRequestReviewRequest{
		Event: github.Ptr("APPROVE"),
	})
	return clt.wrapRetryableErrors(err)
}

// Merge merges the pull request with the given merge method ("merge",
// "squash" or "rebase").
// GitHub rejects the merge if required status checks or reviews are missing.
func (clt *Client) Merge(ctx context.Context, owner, repo string, pullRequestNumber int, mergeMethod string) error {
	res, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, pullRequestNumber, "", &github.PullRequestOptions{
		MergeMethod: mergeMethod,
	})
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}

	if !res.GetMerged() {
		return fmt.Errorf("github did not merge the pull request: %s", res.GetMessage())
	}

	return nil
}

// ClosePullRequest closes the pull request without merging it.
func (clt *Client) ClosePullRequest(ctx context.Context, owner, repo string, pullRequestNumber int) error {
	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, pullRequestNumber, &github.PullRequest{
		State: github.Ptr("closed"),
	})
	return clt.wrapRetryableErrors(err)
}

// UpdateBranchResult is the result of an UpdateBranch operation.
type UpdateBranchResult struct {
	// Changed is true if the branch was not uptodate with the base branch.
	Changed bool
	// Scheduled is true if GitHub accepted the update and runs it
	// asynchronously.
	Scheduled    bool
	HeadCommitID string
}

// UpdateBranch schedules merging the base-branch into a pull request branch.
// If the PR contains all changes of it's base branch, Changed is false.
// If it's not uptodate and updating the PR was scheduled at github, Changed
// and Scheduled are true.
// If the PR was updated while the method was executed, a
// amerr.RetryableError is returned.
// If the branch can not be updated automatically because of a merge conflict,
// an error is returned.
func (clt *Client) UpdateBranch(ctx context.Context, owner, repo string, pullRequestNumber int) (*UpdateBranchResult, error) {
	// If UpdateBranch is called and the branch is already
	// uptodate, github creates an empty merge commit and changes
	// the branch. Therefore we have to check first if an update is
	// needed.
	isUptodate, prHEADSHA, err := clt.PRIsUptodate(ctx, owner, repo, pullRequestNumber)
	if err != nil {
		return nil, fmt.Errorf("evaluating if PR is uptodate with base branch failed: %w", err)
	}

	logger := clt.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(pullRequestNumber),
		logfields.Commit(prHEADSHA),
	)

	if isUptodate {
		logger.Debug("branch is uptodate with base branch, skipping running update branch operation",
			logfields.Event("github_branch_uptodate_with_base"))
		return &UpdateBranchResult{HeadCommitID: prHEADSHA}, nil
	}

	_, _, err = clt.restClt.PullRequests.UpdateBranch(ctx, owner, repo, pullRequestNumber, &github.PullRequestBranchUpdateOptions{ExpectedHeadSHA: &prHEADSHA})
	if err != nil {
		var acceptedErr *github.AcceptedError
		if errors.As(err, &acceptedErr) {
			logger.Debug("updating branch with base branch scheduled",
				logfields.Event("github_branch_update_with_base_scheduled"))
			return &UpdateBranchResult{Changed: true, Scheduled: true, HeadCommitID: prHEADSHA}, nil
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			if strings.Contains(respErr.Message, "merge conflict") {
				return nil, fmt.Errorf("merge conflict: %w", respErr)
			}

			if strings.Contains(respErr.Message, "expected head sha didn’t match current head ref") {
				logger.Debug("branch changed while trying to sync with base branch",
					logfields.Event("github_branch_update_failed_ref_outdated"),
				)

				return nil, amerr.NewRetryableAnytimeError(err)
			}
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	logger.Debug("branch was updated with base branch",
		logfields.Event("github_branch_update_with_base_triggered"))

	// github seems to always schedule update operations and return an
	// AcceptedError, this condition might never happened
	return &UpdateBranchResult{Changed: true, HeadCommitID: prHEADSHA}, nil
}

// AddLabel adds a label to Pull-Request or Issue.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err == nil {
		return nil
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
		clt.logger.Debug("removing label returned a not found response, interpreting it as success",
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.PullRequest(pullRequestOrIssueNumber),
			logfields.Label(label),
			logfields.Event("github_remove_label_returned_not_found"),
			zap.Error(err),
		)

		return nil
	}

	return clt.wrapRetryableErrors(err)
}

type PRIterator interface {
	Next() (*github.PullRequest, error)
}

type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string

	filterState   string
	sort          string
	sortDirection string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next pullRequest.
// When the last result was returned a nil PullRequest is returned.
func (it *PRIter) Next() (*github.PullRequest, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.finished {
		return nil, nil
	}

	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &github.PullRequestListOptions{
		State:     it.filterState,
		Sort:      it.sort,
		Direction: it.sortDirection,
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: perPage,
		},
	})
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	return it.Next()
}

// ListPullRequests returns an iterator for receiving all pull requests.
// The parameters state, sort, sortDirection expect the same values then their pendants in the struct github.PullRequestListOptions.
func (clt *Client) ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) PRIterator { // interface is returned to make the method mockable
	return &PRIter{
		clt:           clt,
		ctx:           ctx,
		owner:         owner,
		repo:          repo,
		filterState:   state,
		sort:          sort,
		sortDirection: sortDirection,
		nextPage:      1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return amerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		if v.RetryAfter != nil {
			return amerr.NewRetryableError(err, time.Now().Add(*v.RetryAfter))
		}

		return amerr.NewRetryableAnytimeError(err)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return amerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return amerr.NewRetryableAnytimeError(err)
	}

	return err
}
