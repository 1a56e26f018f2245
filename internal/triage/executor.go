package triage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/logfields"
)

// Result summarizes what the Executor did for a pull request.
type Result string

const (
	// ResultNoop means no write operation was necessary.
	ResultNoop Result = "noop"
	// ResultActed means the action for the state was run.
	ResultActed Result = "acted"
	// ResultDeferred means the action was postponed to a later run,
	// e.g. because the branch had to be updated first or the checks did
	// not settle in time.
	ResultDeferred Result = "deferred"
	// ResultSkipped means the pull request can not be processed, e.g.
	// because it has merge conflicts.
	ResultSkipped Result = "skipped"
)

// Action is a write operation done by the Executor.
type Action string

const (
	ActionUpdateBranch   Action = "update_branch"
	ActionRequestPlan    Action = "request_plan"
	ActionApprove        Action = "approve"
	ActionMerge          Action = "merge"
	ActionAnnounceIgnore Action = "announce_ignore"
	ActionRequestUnlock  Action = "request_unlock"
	ActionAddLabel       Action = "add_label"
	ActionRemoveLabel    Action = "remove_label"
	ActionAnnounceClose  Action = "announce_close"
	ActionClose          Action = "close"
)

// Outcome is the result of executing the action of a State.
type Outcome struct {
	Result Result
	// Actions are the successful write operations in the order they were
	// done.
	Actions []Action
}

func (o *Outcome) did(a Action) {
	o.Actions = append(o.Actions, a)
}

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	PlanComment   string
	UnlockComment string
	MergeMethod   string
	Force         bool
	// SettleTimeout is the maximum duration to wait for checks and the
	// merge state to settle before a plan is requested.
	SettleTimeout time.Duration
	// SettlePollInterval is the initial interval in which the pull request
	// status is queried while waiting for it to settle.
	SettlePollInterval time.Duration
}

const defSettlePollInterval = 5 * time.Second

// Executor runs the action that advances a pull request from its current
// triage state.
// Each action is run at most once per call, failed operations are not
// retried.
type Executor struct {
	clt    GithubClient
	opts   ExecutorOptions
	logger *zap.Logger
}

func NewExecutor(clt GithubClient, opts ExecutorOptions) *Executor {
	if opts.PlanComment == "" {
		opts.PlanComment = DefaultPlanComment
	}

	if opts.MergeMethod == "" {
		opts.MergeMethod = "squash"
	}

	if opts.SettlePollInterval == 0 {
		opts.SettlePollInterval = defSettlePollInterval
	}

	return &Executor{
		clt:    clt,
		opts:   opts,
		logger: zap.L().Named(loggerName).Named("executor"),
	}
}

// Execute runs the action for state.
// On error the returned Outcome contains the actions that succeeded before
// the failure.
func (e *Executor) Execute(ctx context.Context, pr *PullRequest, signals *Signals, state State) (Outcome, error) {
	logger := e.logger.With(pr.LogFields()...).With(logfields.TriageState(state.String()))

	switch state {
	case StateNew:
		return e.requestInitialPlan(ctx, logger, pr)

	case StateDismissedRetry, StatePlanErrorRetry:
		var outcome Outcome
		if err := e.requestPlan(ctx, pr, &outcome); err != nil {
			return outcome, err
		}

		outcome.Result = ResultActed
		return outcome, nil

	case StateNoDiffReadyToMerge:
		return e.merge(ctx, logger, pr)

	case StateHasDiffIgnore:
		return e.ignore(ctx, logger, pr, signals)

	case StateNoProjectsIgnore:
		var outcome Outcome
		if err := e.addLabel(ctx, pr, LabelNoProject, &outcome); err != nil {
			return outcome, err
		}

		outcome.Result = ResultActed
		return outcome, nil

	case StateSupersededClose:
		return e.close(ctx, logger, pr, signals)

	case StateAwaitingPlanResult, StateAlreadyIgnored, StateMerged:
		return Outcome{Result: ResultNoop}, nil

	default:
		return Outcome{}, fmt.Errorf("unsupported triage state: %q", state)
	}
}

func (e *Executor) requestInitialPlan(ctx context.Context, logger *zap.Logger, pr *PullRequest) (Outcome, error) {
	var outcome Outcome
	var updated bool

	if pr.MergeState == githubclt.MergeStateBehind {
		res, err := e.clt.UpdateBranch(ctx, pr.Owner, pr.Repository, pr.Number)
		if err != nil {
			return outcome, fmt.Errorf("updating branch with base branch failed: %w", err)
		}

		if res.Changed {
			outcome.did(ActionUpdateBranch)
			updated = true
		}
	}

	if updated || !isSettled(pr.ChecksRunning, pr.MergeState) {
		status, settled, err := e.waitForSettle(ctx, logger, pr)
		if err != nil {
			return outcome, err
		}

		if !settled {
			logger.Info(
				"checks did not settle in time, plan will be requested in a later run",
				logfields.Event("settle_timeout_expired"),
				logfields.CIStatusSummary(string(status.CIStatus)),
				logfields.MergeState(string(status.MergeStateStatus)),
				zap.Duration("settle_timeout", e.opts.SettleTimeout),
			)

			outcome.Result = ResultDeferred
			return outcome, nil
		}

		if status.State != githubclt.PRStateOpen {
			logger.Info(
				"pull request is not open anymore, skipping it",
				logfields.Event("pull_request_not_open"),
				zap.String("github.pull_request_state", string(status.State)),
			)

			outcome.Result = ResultSkipped
			return outcome, nil
		}

		if status.Mergeable == githubclt.MergeableConflicting || status.MergeStateStatus == githubclt.MergeStateDirty {
			logger.Info(
				"pull request has merge conflicts, skipping it",
				logfields.Event("pull_request_dirty"),
			)

			outcome.Result = ResultSkipped
			return outcome, nil
		}
	}

	if e.opts.Force {
		for _, label := range TerminalLabels {
			if !pr.HasLabel(label) {
				continue
			}

			if err := e.clt.RemoveLabel(ctx, pr.Owner, pr.Repository, pr.Number, label); err != nil {
				return outcome, fmt.Errorf("removing label %q failed: %w", label, err)
			}

			outcome.did(ActionRemoveLabel)
		}
	}

	if err := e.requestPlan(ctx, pr, &outcome); err != nil {
		return outcome, err
	}

	outcome.Result = ResultActed
	return outcome, nil
}

func (e *Executor) requestPlan(ctx context.Context, pr *PullRequest, outcome *Outcome) error {
	err := e.clt.CreateIssueComment(ctx, pr.Owner, pr.Repository, pr.Number, e.opts.PlanComment)
	if err != nil {
		return fmt.Errorf("posting plan request comment failed: %w", err)
	}

	outcome.did(ActionRequestPlan)
	return nil
}

func (e *Executor) merge(ctx context.Context, logger *zap.Logger, pr *PullRequest) (Outcome, error) {
	var outcome Outcome

	// branch protection rejects merging outdated branches, the plan is
	// repeated for the updated branch by the plan tool
	if pr.MergeState == githubclt.MergeStateBehind {
		res, err := e.clt.UpdateBranch(ctx, pr.Owner, pr.Repository, pr.Number)
		if err != nil {
			return outcome, fmt.Errorf("updating branch with base branch failed: %w", err)
		}

		if res.Changed {
			outcome.did(ActionUpdateBranch)
			logger.Info(
				"branch is behind base branch, updated it, merge is deferred",
				logfields.Event("merge_deferred_branch_updated"),
			)

			outcome.Result = ResultDeferred
			return outcome, nil
		}
	}

	if pr.ReviewDecision != ReviewDecisionApproved {
		if err := e.clt.Approve(ctx, pr.Owner, pr.Repository, pr.Number); err != nil {
			return outcome, fmt.Errorf("approving pull request failed: %w", err)
		}

		outcome.did(ActionApprove)
	}

	if err := e.clt.Merge(ctx, pr.Owner, pr.Repository, pr.Number, e.opts.MergeMethod); err != nil {
		return outcome, fmt.Errorf("merging pull request failed: %w", err)
	}

	outcome.did(ActionMerge)
	outcome.Result = ResultActed

	return outcome, nil
}

func (e *Executor) ignore(ctx context.Context, logger *zap.Logger, pr *PullRequest, signals *Signals) (Outcome, error) {
	var outcome Outcome

	if !signals.IgnoreAnnounced {
		err := e.clt.CreateIssueComment(ctx, pr.Owner, pr.Repository, pr.Number, IgnoreComment)
		if err != nil {
			return outcome, fmt.Errorf("posting ignore comment failed: %w", err)
		}

		outcome.did(ActionAnnounceIgnore)

		e.requestUnlock(ctx, logger, pr, &outcome)
	}

	if err := e.addLabel(ctx, pr, LabelIgnore, &outcome); err != nil {
		return outcome, err
	}

	outcome.Result = ResultActed
	return outcome, nil
}

func (e *Executor) close(ctx context.Context, logger *zap.Logger, pr *PullRequest, signals *Signals) (Outcome, error) {
	var outcome Outcome

	if !signals.CloseAnnounced {
		err := e.clt.CreateIssueComment(ctx, pr.Owner, pr.Repository, pr.Number, CloseComment)
		if err != nil {
			return outcome, fmt.Errorf("posting close comment failed: %w", err)
		}

		outcome.did(ActionAnnounceClose)

		e.requestUnlock(ctx, logger, pr, &outcome)
	}

	if err := e.clt.ClosePullRequest(ctx, pr.Owner, pr.Repository, pr.Number); err != nil {
		return outcome, fmt.Errorf("closing pull request failed: %w", err)
	}

	outcome.did(ActionClose)
	outcome.Result = ResultActed

	return outcome, nil
}

// requestUnlock asks the plan tool to release its locks for the pull request.
// The plan tool might not hold a lock, failures are only logged.
func (e *Executor) requestUnlock(ctx context.Context, logger *zap.Logger, pr *PullRequest, outcome *Outcome) {
	if e.opts.UnlockComment == "" {
		return
	}

	err := e.clt.CreateIssueComment(ctx, pr.Owner, pr.Repository, pr.Number, e.opts.UnlockComment)
	if err != nil {
		logger.Warn(
			"requesting plan tool to release its locks failed",
			logfields.Event("plan_tool_unlock_request_failed"),
			zap.Error(err),
		)

		return
	}

	outcome.did(ActionRequestUnlock)
}

func (e *Executor) addLabel(ctx context.Context, pr *PullRequest, label string, outcome *Outcome) error {
	if err := e.clt.AddLabel(ctx, pr.Owner, pr.Repository, pr.Number, label); err != nil {
		return fmt.Errorf("adding label %q failed: %w", label, err)
	}

	outcome.did(ActionAddLabel)
	return nil
}
