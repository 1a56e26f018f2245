package githubclt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shurcooL/githubv4"
)

// CIStatus abstracts the multiple result values of GitHub check runs and
// Commit statuses into a single value.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "SUCCESS"
	CIStatusPending CIStatus = "PENDING"
	CIStatusFailure CIStatus = "FAILURE"
	CIStatusError   CIStatus = "ERROR"
	// CIStatusExpected is the status of a required check or status that
	// did not report a result for the commit yet.
	CIStatusExpected CIStatus = "EXPECTED"
)

// MergeStateStatus is GitHub's computed merge readiness of a pull request.
// The value is eventually consistent, after a push it is UNKNOWN until GitHub
// finished computing it.
type MergeStateStatus string

const (
	MergeStateBehind   = MergeStateStatus(githubv4.MergeStateStatusBehind)
	MergeStateBlocked  = MergeStateStatus(githubv4.MergeStateStatusBlocked)
	MergeStateClean    = MergeStateStatus(githubv4.MergeStateStatusClean)
	MergeStateDirty    = MergeStateStatus(githubv4.MergeStateStatusDirty)
	MergeStateUnknown  = MergeStateStatus(githubv4.MergeStateStatusUnknown)
	MergeStateUnstable = MergeStateStatus(githubv4.MergeStateStatusUnstable)
	MergeStateHasHooks = MergeStateStatus(githubv4.MergeStateStatusHasHooks)
	MergeStateDraft    = MergeStateStatus(githubv4.MergeStateStatusDraft)
)

// Mergeable describes whether the pull request can be merged without
// conflicts.
type Mergeable string

const (
	MergeableMergeable   = Mergeable(githubv4.MergeableStateMergeable)
	MergeableConflicting = Mergeable(githubv4.MergeableStateConflicting)
	MergeableUnknown     = Mergeable(githubv4.MergeableStateUnknown)
)

// PRState is the open/closed/merged state of a pull request.
type PRState string

const (
	PRStateOpen   = PRState(githubv4.PullRequestStateOpen)
	PRStateClosed = PRState(githubv4.PullRequestStateClosed)
	PRStateMerged = PRState(githubv4.PullRequestStateMerged)
)

// CIJobStatus is the status of a CI job.
// It represents the status of GitHub CheckRuns and Commit statuses.
type CIJobStatus struct {
	Name     string
	Status   CIStatus
	Required bool
}

// ReviewDismissal is a dismissal of a pull request review.
type ReviewDismissal struct {
	// ReviewAuthor is the login of the user who submitted the dismissed
	// review.
	ReviewAuthor string
	// Actor is the login of the user who dismissed the review.
	Actor     string
	CreatedAt time.Time
}

// PRStatus is the merge relevant state of a pull request.
type PRStatus struct {
	State            PRState
	Mergeable        Mergeable
	MergeStateStatus MergeStateStatus
	CIStatus         CIStatus
	// ChecksRunning is true when a check or status reported that it is
	// in progress. Required contexts that did not report yet are not
	// running, they make CIStatus pending but not ChecksRunning.
	ChecksRunning bool
	Statuses      []*CIJobStatus
	Commit        string
	Dismissals    []*ReviewDismissal
}

// PullRequestStatus returns the merge related status of a pull request: its
// state, mergeability, [merge state status], the
// [status check rollup] and the most recent review dismissal events.
//
// The returned [PRStatus.CIStatus] is [CIStatusPending], if one or
// more checks or status are in pending state or a required one did not
// report yet.
// It is [CIStatusSuccess], if no check or status is in pending state and all
// required ones succeeded.
// If a required check or status failed the CIStatus is [CIStatusFailure] or
// [CIStatusError].
//
// [merge state status]: https://docs.github.com/en/graphql/reference/enums#mergestatestatus
// [status check rollup]: https://docs.github.com/en/graphql/reference/objects#statuscheckrollup
func (clt *Client) PullRequestStatus(ctx context.Context, owner, repo string, prNumber int) (*PRStatus, error) {
	queryResult, err := clt.queryPRStatus(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	statuses, err := toCIJobStatuses(queryResult.RequiredStatusCheckContexts, queryResult.CheckRuns, queryResult.StatusContext)
	if err != nil {
		return nil, err
	}

	return &PRStatus{
		State:            PRState(queryResult.State),
		Mergeable:        Mergeable(queryResult.Mergeable),
		MergeStateStatus: MergeStateStatus(queryResult.MergeStateStatus),
		CIStatus:         overallCIStatus(queryResult.StatusCheckRollupState, statuses),
		ChecksRunning:    checksRunning(queryResult.StatusCheckRollupState, statuses),
		Statuses:         statuses,
		Commit:           queryResult.Commit,
		Dismissals:       queryResult.Dismissals,
	}, nil
}

func overallCIStatus(statusCheckRollupState githubv4.StatusState, statuses []*CIJobStatus) CIStatus {
	if statusCheckRollupState == githubv4.StatusStatePending {
		return CIStatusPending
	}

	result := CIStatusSuccess
	for _, status := range statuses {
		if status.Status == CIStatusPending || status.Status == CIStatusExpected {
			result = CIStatusPending
			continue
		}

		if status.Required && (status.Status == CIStatusFailure || status.Status == CIStatusError) {
			return status.Status
		}
	}

	return result
}

func checksRunning(statusCheckRollupState githubv4.StatusState, statuses []*CIJobStatus) bool {
	if statusCheckRollupState == githubv4.StatusStatePending {
		return true
	}

	for _, status := range statuses {
		if status.Status == CIStatusPending {
			return true
		}
	}

	return false
}

func toCIJobStatuses(
	requiredChecks []string,
	checkRuns []*queryCheckStatus,
	commitStatuses []*queryStatusContext,
) ([]*CIJobStatus, error) {
	statusesByName := make(map[string]*CIJobStatus, len(checkRuns)+len(commitStatuses)+len(requiredChecks))
	for _, context := range requiredChecks {
		if _, exists := statusesByName[context]; exists {
			return nil, fmt.Errorf("found 2 required status with the same context values: %q, context values must be unique", context)
		}

		statusesByName[context] = &CIJobStatus{
			Name:     context,
			Status:   CIStatusExpected,
			Required: true,
		}
	}

	for _, run := range checkRuns {
		status, err := checkRunResultToCiStatus(run.Status, run.Conclusion)
		if err != nil {
			return nil, fmt.Errorf("converting checkRun %q CIstatus failed: %w", run.Name, err)
		}

		if entry, exists := statusesByName[run.Name]; exists {
			entry.Status = status
			continue
		}

		statusesByName[run.Name] = &CIJobStatus{Name: run.Name, Status: status}
	}

	for _, commitStatus := range commitStatuses {
		status, err := contextStatusStateToCIStatus(commitStatus.State)
		if err != nil {
			return nil, fmt.Errorf("converting %q status context to CIstatus failed: %w",
				commitStatus.Context, err)
		}
		if entry, exists := statusesByName[commitStatus.Context]; exists {
			entry.Status = status
			continue
		}

		statusesByName[commitStatus.Context] = &CIJobStatus{Name: commitStatus.Context, Status: status}
	}

	result := make([]*CIJobStatus, 0, len(statusesByName))
	for _, status := range statusesByName {
		result = append(result, status)
	}

	return result, nil
}

func checkRunResultToCiStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return CIStatusPending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusiontoCIStatus(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusiontoCIStatus(conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateTimedOut:
		return CIStatusFailure, nil

	case githubv4.CheckConclusionStateStartupFailure:
		return CIStatusError, nil

	case githubv4.CheckConclusionStateActionRequired:
		return CIStatusPending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

func contextStatusStateToCIStatus(state githubv4.StatusState) (CIStatus, error) {
	switch state {
	case githubv4.StatusStateError:
		return CIStatusError, nil

	case githubv4.StatusStateFailure:
		return CIStatusFailure, nil

	case githubv4.StatusStateExpected:
		return CIStatusExpected, nil

	case githubv4.StatusStatePending:
		return CIStatusPending, nil

	case githubv4.StatusStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

type queryPRStatusResult struct {
	State                       githubv4.PullRequestState
	Mergeable                   githubv4.MergeableState
	MergeStateStatus            githubv4.MergeStateStatus
	StatusCheckRollupState      githubv4.StatusState
	RequiredStatusCheckContexts []string
	CheckRuns                   []*queryCheckStatus
	StatusContext               []*queryStatusContext
	Commit                      string
	Dismissals                  []*ReviewDismissal
}

func (clt *Client) queryPRStatus(ctx context.Context, owner, repo string, prNumber int) (*queryPRStatusResult, error) {
	type graphQLQueryPRStatus struct {
		Repository struct {
			PullRequest struct {
				State            githubv4.PullRequestState
				Mergeable        githubv4.MergeableState
				MergeStateStatus githubv4.MergeStateStatus

				BaseRef struct {
					BranchProtectionRule struct {
						// RequiredStatusCheckContexts
						// contains required commit
						// statuses and checkRuns.
						RequiredStatusCheckContexts []string
					}
				}

				TimelineItems struct {
					Nodes []struct {
						ReviewDismissedEvent struct {
							CreatedAt githubv4.DateTime
							Actor     struct {
								Login string
							}
							Review struct {
								Author struct {
									Login string
								}
							}
						} `graphql:"... on ReviewDismissedEvent"`
					}
				} `graphql:"timelineItems(last: $timelineLast, itemTypes: [REVIEW_DISMISSED_EVENT])"`

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								State    githubv4.StatusState
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
											StatusContext queryStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var prHEADCommitID string
	var result queryPRStatusResult

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"timelineLast":  githubv4.Int(50),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryPRStatus

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, err
		}

		pr := &q.Repository.PullRequest
		if len(pr.Commits.Nodes) == 0 {
			return nil, errors.New("github returned a pull request without commits")
		}

		commitsNode := pr.Commits.Nodes[0].Commit

		// the head commit changed while paginating, start over
		if prHEADCommitID == "" {
			prHEADCommitID = commitsNode.Oid
		} else if prHEADCommitID != commitsNode.Oid {
			vars["contextsAfter"] = (*githubv4.String)(nil)
			prHEADCommitID = ""
			result.CheckRuns = nil
			result.StatusContext = nil

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, errors.New("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				result.CheckRuns = append(result.CheckRuns, &node.CheckRun)
				continue
			}

			result.StatusContext = append(result.StatusContext, &node.StatusContext)
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.State = pr.State
			result.Mergeable = pr.Mergeable
			result.MergeStateStatus = pr.MergeStateStatus
			result.StatusCheckRollupState = commitsNode.StatusCheckRollup.State
			result.RequiredStatusCheckContexts = pr.BaseRef.BranchProtectionRule.RequiredStatusCheckContexts
			result.Commit = prHEADCommitID

			for _, n := range pr.TimelineItems.Nodes {
				ev := n.ReviewDismissedEvent
				if ev.CreatedAt.IsZero() {
					continue
				}

				result.Dismissals = append(result.Dismissals, &ReviewDismissal{
					ReviewAuthor: ev.Review.Author.Login,
					Actor:        ev.Actor.Login,
					CreatedAt:    ev.CreatedAt.Time,
				})
			}

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is %t, expected non-empty EndCursor", pageInfo.HasNextPage)
		}

		vars["contextsAfter"] = githubv4.NewString(githubv4.String(pageInfo.EndCursor))
	}
}
