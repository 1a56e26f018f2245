package triage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/amerr"
	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/prfilter"
	"github.com/simplesurance/automerge/internal/triage/mocks"
)

const dependabotTitle = "[DEPENDABOT] bump hashicorp/aws from 5.1.0 to 5.2.0"

func newTestTriager(t *testing.T, clt GithubClient, opts *Options) *Triager {
	t.Helper()
	setupLogger(t)

	filter, err := prfilter.New([]string{`^\[DEPENDABOT\]`}, "")
	require.NoError(t, err)

	if opts == nil {
		opts = &Options{}
	}

	opts.GithubUser = testUser
	opts.Owner = testOwner
	if len(opts.Repositories) == 0 {
		opts.Repositories = []string{testRepo}
	}
	opts.PlanToolUsers = []string{planToolUser}
	opts.Executor.UnlockComment = DefaultUnlockComment
	opts.Executor.SettleTimeout = time.Second
	opts.Executor.SettlePollInterval = time.Millisecond

	return NewTriager(clt, filter, opts)
}

// expectPR registers the read calls for a pull request.
func expectPR(clt *mocks.MockGithubClient, number int, comments []*githubclt.Comment, reviews []*githubclt.Review, status *githubclt.PRStatus) {
	clt.EXPECT().ListIssueComments(gomock.Any(), testOwner, testRepo, number).Return(comments, nil)
	clt.EXPECT().ListReviews(gomock.Any(), testOwner, testRepo, number).Return(reviews, nil)
	clt.EXPECT().PullRequestStatus(gomock.Any(), testOwner, testRepo, number).Return(status, nil)
}

func expectListPRs(clt *mocks.MockGithubClient, prs ...*github.PullRequest) {
	clt.EXPECT().
		ListPullRequests(gomock.Any(), testOwner, testRepo, "open", "created", "asc").
		Return(&prIter{prs: prs})
}

func TestScenarioCleanBump(t *testing.T) {
	pr := newGHPullRequest(1, dependabotTitle)

	t.Run("first run requests plan", func(t *testing.T) {
		clt := mocks.NewMockGithubClient(gomock.NewController(t))
		tr := newTestTriager(t, clt, nil)

		expectListPRs(clt, pr)
		expectPR(clt, 1, nil, nil, cleanStatus())
		clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 1, DefaultPlanComment).Return(nil)

		report := tr.Run(context.Background())
		assert.Equal(t, uint(1), report.Seen)
		assert.Equal(t, uint(1), report.States[StateNew])
		assert.Equal(t, uint(1), report.Acted)
		assert.Zero(t, report.Failed())
	})

	t.Run("second run approves and merges", func(t *testing.T) {
		clt := mocks.NewMockGithubClient(gomock.NewController(t))
		tr := newTestTriager(t, clt, nil)

		expectListPRs(clt, pr)
		expectPR(clt, 1, []*githubclt.Comment{
			ghComment(testUser, DefaultPlanComment, 1),
			ghComment(planToolUser, noDiffBody, 2),
		}, nil, cleanStatus())

		gomock.InOrder(
			clt.EXPECT().Approve(gomock.Any(), testOwner, testRepo, 1).Return(nil),
			clt.EXPECT().Merge(gomock.Any(), testOwner, testRepo, 1, "squash").Return(nil),
		)

		report := tr.Run(context.Background())
		assert.Equal(t, uint(1), report.States[StateNoDiffReadyToMerge])
		assert.Equal(t, uint(1), report.Acted)
	})
}

func TestScenarioRealDiff(t *testing.T) {
	comments := []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, hasDiffBody, 2),
	}

	t.Run("ignored and labeled", func(t *testing.T) {
		clt := mocks.NewMockGithubClient(gomock.NewController(t))
		tr := newTestTriager(t, clt, nil)

		expectListPRs(clt, newGHPullRequest(5, dependabotTitle))
		expectPR(clt, 5, comments, nil, cleanStatus())

		gomock.InOrder(
			clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 5, IgnoreComment).Return(nil),
			clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 5, DefaultUnlockComment).Return(nil),
			clt.EXPECT().AddLabel(gomock.Any(), testOwner, testRepo, 5, LabelIgnore).Return(nil),
		)

		report := tr.Run(context.Background())
		assert.Equal(t, uint(1), report.States[StateHasDiffIgnore])
	})

	t.Run("subsequent run takes no action", func(t *testing.T) {
		clt := mocks.NewMockGithubClient(gomock.NewController(t))
		tr := newTestTriager(t, clt, nil)

		expectListPRs(clt, newGHPullRequest(5, dependabotTitle, LabelIgnore))

		report := tr.Run(context.Background())
		assert.Equal(t, uint(1), report.States[StateAlreadyIgnored])
		assert.Equal(t, uint(1), report.Noop)
		assert.Zero(t, report.Acted)
	})
}

func TestScenarioDismissedReview(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	expectListPRs(clt, newGHPullRequest(3, dependabotTitle))

	status := cleanStatus()
	status.Dismissals = []*githubclt.ReviewDismissal{
		{ReviewAuthor: testUser, Actor: "alice", CreatedAt: at(4)},
	}

	expectPR(clt,
		3,
		[]*githubclt.Comment{
			ghComment(testUser, DefaultPlanComment, 1),
			ghComment(planToolUser, noDiffBody, 2),
		},
		[]*githubclt.Review{
			{ID: 1, Author: testUser, State: "DISMISSED", SubmittedAt: at(3)},
		},
		status,
	)

	clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 3, DefaultPlanComment).Return(nil)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateDismissedRetry])
	assert.Equal(t, uint(1), report.Acted)
}

func TestScenarioDismissedReviewWithoutTimelineEvent(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	expectListPRs(clt, newGHPullRequest(3, dependabotTitle))
	expectPR(clt,
		3,
		[]*githubclt.Comment{
			ghComment(testUser, DefaultPlanComment, 1),
			ghComment(planToolUser, noDiffBody, 2),
		},
		[]*githubclt.Review{
			{ID: 1, Author: testUser, State: "DISMISSED", SubmittedAt: at(3)},
		},
		cleanStatus(),
	)

	clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 3, DefaultPlanComment).Return(nil)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateDismissedRetry])
}

func TestScenarioZeroProjectsPlanned(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	expectListPRs(clt, newGHPullRequest(9, dependabotTitle))
	expectPR(clt, 9, []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, noProjectsBody, 2),
	}, nil, cleanStatus())

	clt.EXPECT().AddLabel(gomock.Any(), testOwner, testRepo, 9, LabelNoProject).Return(nil)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateNoProjectsIgnore])
}

func TestAwaitingPlanResultCausesNoWrites(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	pending := cleanStatus()
	pending.CIStatus = githubclt.CIStatusPending

	expectListPRs(clt, newGHPullRequest(4, dependabotTitle))
	expectPR(clt, 4, []*githubclt.Comment{ghComment(testUser, DefaultPlanComment, 1)}, nil, pending)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateAwaitingPlanResult])
	assert.Equal(t, uint(1), report.Noop)
}

func TestTerminalLabelsCauseNoAPICalls(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	expectListPRs(clt,
		newGHPullRequest(1, dependabotTitle, LabelIgnore),
		newGHPullRequest(2, dependabotTitle, "dependencies", LabelNoProject),
	)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(2), report.States[StateAlreadyIgnored])
	assert.Zero(t, report.Acted)
}

func TestForceReplansIgnoredPR(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, &Options{Force: true})

	expectListPRs(clt, newGHPullRequest(1, dependabotTitle, LabelIgnore))
	expectPR(clt, 1, []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, hasDiffBody, 2),
		ghComment(testUser, IgnoreComment, 3),
	}, nil, cleanStatus())

	gomock.InOrder(
		clt.EXPECT().RemoveLabel(gomock.Any(), testOwner, testRepo, 1, LabelIgnore).Return(nil),
		clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 1, DefaultPlanComment).Return(nil),
	)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateNew])
}

func TestApproveAllMergesPRWithDiff(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, &Options{ApproveAll: true})

	expectListPRs(clt, newGHPullRequest(1, dependabotTitle))
	expectPR(clt, 1, []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, hasDiffBody, 2),
	}, []*githubclt.Review{
		{ID: 1, Author: testUser, State: "APPROVED", SubmittedAt: at(3)},
	}, cleanStatus())

	clt.EXPECT().Merge(gomock.Any(), testOwner, testRepo, 1, "squash").Return(nil)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateNoDiffReadyToMerge])
}

func TestFilteredAndDirtyPRsAreNotClassified(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	dirty := cleanStatus()
	dirty.Mergeable = githubclt.MergeableConflicting
	dirty.MergeStateStatus = githubclt.MergeStateDirty

	expectListPRs(clt,
		newGHPullRequest(1, "Add monitoring for the API"),
		newGHPullRequest(2, dependabotTitle),
	)
	expectPR(clt, 2, nil, nil, dirty)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(2), report.Seen)
	assert.Equal(t, uint(1), report.Filtered)
	assert.Equal(t, uint(1), report.Skipped)
	assert.Empty(t, report.States)
}

func TestMergedBetweenListingAndInspectionIsNoop(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, nil)

	merged := cleanStatus()
	merged.State = githubclt.PRStateMerged

	expectListPRs(clt, newGHPullRequest(1, dependabotTitle))
	expectPR(clt, 1, []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, noDiffBody, 2),
	}, nil, merged)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateMerged])
	assert.Equal(t, uint(1), report.Noop)
}

func TestFailuresAreIsolatedPerPR(t *testing.T) {
	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, clt, &Options{Repositories: []string{testRepo, "infra-stage"}})

	expectListPRs(clt,
		newGHPullRequest(1, dependabotTitle),
		newGHPullRequest(2, dependabotTitle),
		newGHPullRequest(3, dependabotTitle),
	)

	clt.EXPECT().ListIssueComments(gomock.Any(), testOwner, testRepo, 1).
		Return(nil, amerr.NewRetryableAnytimeError(errors.New("503 service unavailable")))

	expectPR(clt, 2, []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, noDiffBody, 2),
	}, nil, cleanStatus())
	clt.EXPECT().Approve(gomock.Any(), testOwner, testRepo, 2).Return(nil)
	clt.EXPECT().Merge(gomock.Any(), testOwner, testRepo, 2, "squash").Return(errors.New("405 Required status check is expected"))

	expectPR(clt, 3, nil, nil, cleanStatus())
	clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 3, DefaultPlanComment).Return(nil)

	clt.EXPECT().
		ListPullRequests(gomock.Any(), testOwner, "infra-stage", "open", "created", "asc").
		Return(&prIter{err: errors.New("404 not found")})

	report := tr.Run(context.Background())
	assert.Equal(t, uint(3), report.Seen)
	assert.Equal(t, uint(1), report.FailedTransient)
	assert.Equal(t, uint(1), report.FailedPermanent)
	assert.Equal(t, uint(1), report.Acted)
	assert.Equal(t, uint(1), report.RepositoryFailures)
}

func TestDryRunDoesNotWrite(t *testing.T) {
	setupLogger(t)

	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, NewDryGithubClient(clt, zap.L()), &Options{})

	expectListPRs(clt, newGHPullRequest(1, dependabotTitle), newGHPullRequest(2, dependabotTitle))
	expectPR(clt, 1, nil, nil, cleanStatus())
	expectPR(clt, 2, []*githubclt.Comment{
		ghComment(testUser, DefaultPlanComment, 1),
		ghComment(planToolUser, hasDiffBody, 2),
	}, nil, cleanStatus())

	report := tr.Run(context.Background())
	assert.Equal(t, uint(2), report.Acted)
	assert.Equal(t, uint(1), report.States[StateNew])
	assert.Equal(t, uint(1), report.States[StateHasDiffIgnore])
}

func TestDryRunBehindBranchShowsPlanRequest(t *testing.T) {
	setupLogger(t)

	clt := mocks.NewMockGithubClient(gomock.NewController(t))
	tr := newTestTriager(t, NewDryGithubClient(clt, zap.L()), &Options{})

	behind := cleanStatus()
	behind.MergeStateStatus = githubclt.MergeStateBehind

	expectListPRs(clt, newGHPullRequest(1, dependabotTitle))
	expectPR(clt, 1, nil, nil, behind)
	// the branch is not updated on github, the status stays behind
	clt.EXPECT().PullRequestStatus(gomock.Any(), testOwner, testRepo, 1).Return(behind, nil)

	report := tr.Run(context.Background())
	assert.Equal(t, uint(1), report.States[StateNew])
	assert.Equal(t, uint(1), report.Acted)
	assert.Zero(t, report.Deferred)
}

func TestSupersededCloseFailureDoesNotRepeatComments(t *testing.T) {
	comments := []*githubclt.Comment{ghComment(dependabotUser, supersededBody, 1)}
	closeErr := errors.New("403 Resource not accessible by integration")

	t.Run("first run announces and fails to close", func(t *testing.T) {
		clt := mocks.NewMockGithubClient(gomock.NewController(t))
		tr := newTestTriager(t, clt, nil)

		expectListPRs(clt, newGHPullRequest(8, dependabotTitle))
		expectPR(clt, 8, comments, nil, cleanStatus())

		gomock.InOrder(
			clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 8, CloseComment).Return(nil),
			clt.EXPECT().CreateIssueComment(gomock.Any(), testOwner, testRepo, 8, DefaultUnlockComment).Return(nil),
			clt.EXPECT().ClosePullRequest(gomock.Any(), testOwner, testRepo, 8).Return(closeErr),
		)

		report := tr.Run(context.Background())
		assert.Equal(t, uint(1), report.States[StateSupersededClose])
		assert.Equal(t, uint(1), report.FailedPermanent)
	})

	announced := append(comments,
		ghComment(testUser, CloseComment, 2),
		ghComment(testUser, DefaultUnlockComment, 3),
		ghComment(planToolUser, unlockedBody, 4),
	)

	for i := range 2 {
		t.Run(fmt.Sprintf("later run %d only retries closing", i+1), func(t *testing.T) {
			// the mock fails on unexpected CreateIssueComment calls
			clt := mocks.NewMockGithubClient(gomock.NewController(t))
			tr := newTestTriager(t, clt, nil)

			expectListPRs(clt, newGHPullRequest(8, dependabotTitle))
			expectPR(clt, 8, announced, nil, cleanStatus())
			clt.EXPECT().ClosePullRequest(gomock.Any(), testOwner, testRepo, 8).Return(closeErr)

			report := tr.Run(context.Background())
			assert.Equal(t, uint(1), report.States[StateSupersededClose])
			assert.Equal(t, uint(1), report.FailedPermanent)
		})
	}
}
