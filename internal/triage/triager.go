package triage

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-github/v82/github"
	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/amerr"
	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/logfields"
	"github.com/simplesurance/automerge/internal/prfilter"
)

const loggerName = "triage"

//go:generate mockgen -package mocks -destination mocks/githubclient.go github.com/simplesurance/automerge/internal/triage GithubClient

// GithubClient is the GitHub API used by the triage package.
type GithubClient interface {
	ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) githubclt.PRIterator
	ListIssueComments(ctx context.Context, owner, repo string, pullRequestNumber int) ([]*githubclt.Comment, error)
	ListReviews(ctx context.Context, owner, repo string, pullRequestNumber int) ([]*githubclt.Review, error)
	PullRequestStatus(ctx context.Context, owner, repo string, pullRequestNumber int) (*githubclt.PRStatus, error)

	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	Approve(ctx context.Context, owner, repo string, pullRequestNumber int) error
	Merge(ctx context.Context, owner, repo string, pullRequestNumber int, mergeMethod string) error
	UpdateBranch(ctx context.Context, owner, repo string, pullRequestNumber int) (*githubclt.UpdateBranchResult, error)
	ClosePullRequest(ctx context.Context, owner, repo string, pullRequestNumber int) error
}

// Options configure a Triager.
type Options struct {
	// GithubUser is the login of the user automerge acts as.
	GithubUser    string
	Owner         string
	Repositories  []string
	PlanToolUsers []string

	Force      bool
	ApproveAll bool

	Executor ExecutorOptions
}

// Triager runs the triage of all matching open pull requests of the
// configured repositories.
type Triager struct {
	clt          GithubClient
	filter       *prfilter.Filter
	owner        string
	repos        []string
	ourUser      string
	vocab        *Vocabulary
	classifyOpts ClassifyOptions
	executor     *Executor
	metrics      *metricCollector
	logger       *zap.Logger
}

func NewTriager(clt GithubClient, filter *prfilter.Filter, opts *Options) *Triager {
	opts.Executor.Force = opts.Force

	return &Triager{
		clt:     clt,
		filter:  filter,
		owner:   opts.Owner,
		repos:   opts.Repositories,
		ourUser: opts.GithubUser,
		vocab:   NewVocabulary(orDefault(opts.Executor.PlanComment, DefaultPlanComment), opts.PlanToolUsers),
		classifyOpts: ClassifyOptions{
			Force:      opts.Force,
			ApproveAll: opts.ApproveAll,
		},
		executor: NewExecutor(clt, opts.Executor),
		metrics:  newMetricCollector(),
		logger:   zap.L().Named(loggerName),
	}
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}

	return val
}

// Run processes all open pull requests of the configured repositories
// sequentially.
// Failures are logged and counted in the returned report, they do not abort
// the run. Run only returns early when ctx is cancelled.
func (t *Triager) Run(ctx context.Context) *RunReport {
	report := newRunReport()

	t.logger.Info(
		"triage run started",
		logfields.Event("triage_run_started"),
		logfields.RepositoryOwner(t.owner),
		zap.Strings("repositories", t.repos),
	)

	for _, repo := range t.repos {
		if ctx.Err() != nil {
			break
		}

		t.runRepository(ctx, t.owner, repo, report)
	}

	report.EndTime = time.Now()
	t.metrics.RunFinished(report)

	t.logger.Info(
		"triage run finished",
		append(report.LogFields(), logfields.Event("triage_run_finished"))...,
	)

	return report
}

func (t *Triager) runRepository(ctx context.Context, owner, repo string, report *RunReport) {
	logger := t.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
	)

	it := t.clt.ListPullRequests(ctx, owner, repo, "open", "created", "asc")
	for {
		pr, err := it.Next()
		if err != nil {
			report.RepositoryFailures++
			logger.Error(
				"listing pull requests failed, skipping remaining pull requests of repository",
				logEventListingPRFailed,
				zap.Bool("retryable", amerr.IsRetryable(err)),
				zap.Error(err),
			)

			return
		}

		if pr == nil { // iteration finished, no more results
			return
		}

		if ctx.Err() != nil {
			return
		}

		report.Seen++

		// redefine variable, to make PR fields scoped to this iteration
		logger := logger.With(
			logfields.PullRequest(pr.GetNumber()),
			logfields.PullRequestTitle(pr.GetTitle()),
		)

		t.processPullRequest(ctx, logger, owner, repo, pr, report)
	}
}

func (t *Triager) processPullRequest(
	ctx context.Context,
	logger *zap.Logger,
	owner, repo string,
	ghPR *github.PullRequest,
	report *RunReport,
) {
	match, err := t.filter.Match(ctx, ghPR)
	if err != nil {
		t.recordFailure(logger, owner, repo, report, err)
		return
	}

	if match != prfilter.Match {
		report.Filtered++
		logger.Debug(
			"pull request does not match filter, ignoring it",
			logEventPRFiltered,
			logfields.Reason(match.String()),
		)

		return
	}

	// evaluated on the listing result, terminal pull requests do not cause
	// any further API calls
	if !t.classifyOpts.Force && hasTerminalLabel(labelSet(ghPR.Labels)) {
		report.States[StateAlreadyIgnored]++
		report.Noop++
		t.metrics.ClassifiedInc(owner, repo, StateAlreadyIgnored)

		logger.Debug(
			"pull request has a terminal label, ignoring it",
			logEventPRSkipped,
			logReasonTerminalLabel,
		)

		return
	}

	pr, signals, err := t.snapshot(ctx, owner, repo, ghPR)
	if err != nil {
		t.recordFailure(logger, owner, repo, report, err)
		return
	}

	logger = logger.With(
		logfields.Branch(pr.Branch),
		logfields.Commit(pr.HeadCommit),
		logfields.CIStatusSummary(string(pr.CIStatus)),
		logfields.MergeState(string(pr.MergeState)),
		logfields.ReviewDecision(string(pr.ReviewDecision)),
	)

	if pr.State == githubclt.PRStateClosed {
		report.Skipped++
		logger.Info("pull request was closed, skipping it", logEventPRSkipped, logReasonClosed)
		return
	}

	if pr.IsDirty() {
		report.Skipped++
		logger.Info("pull request has merge conflicts, skipping it", logEventPRSkipped, logReasonDirty)
		return
	}

	state := Classify(pr, signals, t.classifyOpts)
	report.States[state]++
	t.metrics.ClassifiedInc(owner, repo, state)

	logger = logger.With(logfields.TriageState(state.String()))

	outcome, err := t.executor.Execute(ctx, pr, signals, state)
	t.metrics.ActionsInc(owner, repo, outcome.Actions)
	if err != nil {
		t.recordFailure(logger.With(zap.Strings("triage.actions_done", actionStrings(outcome.Actions))), owner, repo, report, err)
		return
	}

	report.recordOutcome(&outcome)

	logger.Info(
		"pull request processed",
		logEventPRProcessed,
		zap.String("triage.result", string(outcome.Result)),
		logfields.TriageActions(actionStrings(outcome.Actions)),
		zap.String("plan_result", string(signals.PlanResult)),
		zap.Time("last_plan_request", signals.LastPlanRequest),
	)
}

func (t *Triager) recordFailure(logger *zap.Logger, owner, repo string, report *RunReport, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Info("processing pull request cancelled", logEventPRFailed, zap.Error(err))
		return
	}

	if amerr.IsRetryable(err) {
		report.FailedTransient++
		t.metrics.FailuresInc(owner, repo, failureKindTransient)
		logger.Warn(
			"processing pull request failed, will be retried in the next run",
			logEventPRFailed,
			zap.String("failure_kind", string(failureKindTransient)),
			zap.Error(err),
		)

		return
	}

	report.FailedPermanent++
	t.metrics.FailuresInc(owner, repo, failureKindPermanent)
	logger.Error(
		"processing pull request failed",
		logEventPRFailed,
		zap.String("failure_kind", string(failureKindPermanent)),
		zap.Error(err),
	)
}

// PushMetrics sends the metrics of all runs to a Prometheus Pushgateway.
func (t *Triager) PushMetrics(ctx context.Context, pushgatewayURL string) error {
	return t.metrics.Push(ctx, pushgatewayURL)
}

func actionStrings(actions []Action) []string {
	result := make([]string, 0, len(actions))
	for _, a := range actions {
		result = append(result, string(a))
	}

	return result
}
