package triage

import "github.com/simplesurance/automerge/internal/githubclt"

// ClassifyOptions modify the classification.
type ClassifyOptions struct {
	// Force ignores terminal labels and requests a new plan for pull
	// requests whose plan has changes or planned 0 projects.
	Force bool
	// ApproveAll classifies every pull request with plan history as
	// ready to merge, independent of its plan result.
	ApproveAll bool
}

// Classify returns the triage state of a pull request.
// It is a pure function of its arguments, the first matching rule wins:
//
//  1. terminal label and not forced: ALREADY_IGNORED
//  2. merged: MERGED
//  3. superseded by a newer version: SUPERSEDED_CLOSE
//  4. no plan history: NEW
//  5. approve all: NO_DIFF_READY_TO_MERGE
//  6. approval dismissed: DISMISSED_RETRY
//  7. plan requested and checks pending or no result yet: AWAITING_PLAN_RESULT
//  8. forced and has diff or no projects: NEW
//  9. ignore already announced: HAS_DIFF_IGNORE
//  10. no diff and checks successful: NO_DIFF_READY_TO_MERGE
//  11. has diff: HAS_DIFF_IGNORE
//  12. no projects: NO_PROJECTS_IGNORE
//  13. plan error: PLAN_ERROR_RETRY
//  14. otherwise: NEW
//
// Pull requests with merge conflicts are expected to be skipped before they
// are classified.
func Classify(pr *PullRequest, signals *Signals, opts ClassifyOptions) State {
	if !opts.Force && hasTerminalLabel(pr.Labels) {
		return StateAlreadyIgnored
	}

	if pr.State == githubclt.PRStateMerged {
		return StateMerged
	}

	if signals.Superseded {
		return StateSupersededClose
	}

	if !signals.HasHistory {
		return StateNew
	}

	if opts.ApproveAll {
		return StateNoDiffReadyToMerge
	}

	if signals.IsDismissed {
		return StateDismissedRetry
	}

	if signals.PlanRequested &&
		(pr.CIStatus == githubclt.CIStatusPending || signals.PlanResult == PlanResultNone) {
		return StateAwaitingPlanResult
	}

	if opts.Force && (signals.PlanResult == PlanResultHasDiff || signals.PlanResult == PlanResultNoProjects) {
		return StateNew
	}

	if signals.IgnoreAnnounced {
		return StateHasDiffIgnore
	}

	switch signals.PlanResult {
	case PlanResultNoDiff:
		if pr.CIStatus == githubclt.CIStatusSuccess {
			return StateNoDiffReadyToMerge
		}

	case PlanResultHasDiff:
		return StateHasDiffIgnore

	case PlanResultNoProjects:
		return StateNoProjectsIgnore

	case PlanResultError:
		return StatePlanErrorRetry
	}

	return StateNew
}
