package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/automerge/internal/githubclt"
	"github.com/simplesurance/automerge/internal/logfields"
)

const maxSettlePollInterval = 30 * time.Second

// isSettled returns true if no check is running and GitHub finished
// computing the merge state of the branch.
// Required checks that did not report yet do not prevent settling, the
// plan tool reports its check only after a plan was requested. The
// resulting BLOCKED merge state is settled.
func isSettled(checksRunning bool, mergeState githubclt.MergeStateStatus) bool {
	if checksRunning {
		return false
	}

	return mergeState != githubclt.MergeStateUnknown && mergeState != githubclt.MergeStateBehind
}

// waitForSettle polls the status of the pull request until it settled or
// SettleTimeout expired.
// It returns the last retrieved status and if the status settled.
func (e *Executor) waitForSettle(ctx context.Context, logger *zap.Logger, pr *PullRequest) (*githubclt.PRStatus, bool, error) {
	var pollCnt uint

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.SettlePollInterval
	bo.MaxInterval = maxSettlePollInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	timeout := time.NewTimer(e.opts.SettleTimeout)
	defer timeout.Stop()

	for {
		pollCnt++

		status, err := e.clt.PullRequestStatus(ctx, pr.Owner, pr.Repository, pr.Number)
		if err != nil {
			return nil, false, fmt.Errorf("retrieving pull request status failed: %w", err)
		}

		if status.State != githubclt.PRStateOpen || isSettled(status.ChecksRunning, status.MergeStateStatus) {
			logger.Debug(
				"pull request status settled",
				logfields.Event("pull_request_status_settled"),
				logfields.CIStatusSummary(string(status.CIStatus)),
				logfields.MergeState(string(status.MergeStateStatus)),
				zap.Uint("poll_count", pollCnt),
				zap.Duration("age", bo.GetElapsedTime()),
			)

			return status, true, nil
		}

		retryIn := bo.NextBackOff()

		logger.Debug(
			"waiting for pull request status to settle",
			logfields.Event("waiting_for_pull_request_status_settle"),
			logfields.CIStatusSummary(string(status.CIStatus)),
			logfields.MergeState(string(status.MergeStateStatus)),
			zap.Uint("poll_count", pollCnt),
			zap.Duration("retry_in", retryIn),
		)

		retryTimer := time.NewTimer(retryIn)

		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return status, false, ctx.Err()

		case <-timeout.C:
			retryTimer.Stop()
			return status, false, nil

		case <-retryTimer.C:
		}
	}
}
