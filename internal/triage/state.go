package triage

// State is the triage classification of a pull request.
type State string

const (
	// StateNew is a pull request for that no plan was requested yet.
	StateNew State = "NEW"
	// StateAwaitingPlanResult is a pull request for that a plan was
	// requested and the plan tool did not report a result yet.
	StateAwaitingPlanResult State = "AWAITING_PLAN_RESULT"
	StateNoDiffReadyToMerge State = "NO_DIFF_READY_TO_MERGE"
	StateHasDiffIgnore      State = "HAS_DIFF_IGNORE"
	StatePlanErrorRetry     State = "PLAN_ERROR_RETRY"
	StateNoProjectsIgnore   State = "NO_PROJECTS_IGNORE"
	StateDismissedRetry     State = "DISMISSED_RETRY"
	// StateSupersededClose is a pull request for that the dependency bot
	// announced that a newer version of the dependency exists.
	StateSupersededClose State = "SUPERSEDED_CLOSE"
	// StateAlreadyIgnored is a pull request that has a terminal label.
	StateAlreadyIgnored State = "ALREADY_IGNORED"
	StateMerged         State = "MERGED"
)

// States contains all States in the order they are evaluated by Classify.
var States = []State{
	StateAlreadyIgnored,
	StateMerged,
	StateSupersededClose,
	StateNew,
	StateNoDiffReadyToMerge,
	StateDismissedRetry,
	StateAwaitingPlanResult,
	StateHasDiffIgnore,
	StateNoProjectsIgnore,
	StatePlanErrorRetry,
}

func (s State) String() string {
	return string(s)
}

// PlanResult is the outcome of the latest plan that the plan tool reported.
type PlanResult string

const (
	PlanResultNone       PlanResult = "NONE"
	PlanResultNoDiff     PlanResult = "NO_DIFF"
	PlanResultHasDiff    PlanResult = "HAS_DIFF"
	PlanResultError      PlanResult = "ERROR"
	PlanResultNoProjects PlanResult = "NO_PROJECTS"
)

const (
	// LabelIgnore marks a pull request whose plan has changes.
	LabelIgnore = "automerge_ignore"
	// LabelNoProject marks a pull request for that the plan tool planned
	// 0 projects.
	LabelNoProject = "automerge_no_project"
)

// TerminalLabels are the labels that exclude a pull request from further
// processing, unless force is enabled.
var TerminalLabels = []string{LabelIgnore, LabelNoProject}
