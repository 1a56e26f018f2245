package triage

import (
	"regexp"
	"strings"
)

// MarkerKind is the meaning of a pull request comment for the plan
// workflow.
type MarkerKind int

const (
	MarkerUnrecognized MarkerKind = iota
	MarkerPlanRequested
	MarkerNoDiff
	MarkerHasDiff
	MarkerPlanError
	MarkerNoProjects
	// MarkerLockReleased is the reply of the plan tool to an unlock
	// command.
	MarkerLockReleased
	// MarkerIgnoreAnnounced is the comment automerge posts when it stops
	// processing a pull request that has changes.
	MarkerIgnoreAnnounced
	// MarkerSuperseded is posted by the dependency bot when a newer
	// version of the dependency is available.
	MarkerSuperseded
	// MarkerCloseAnnounced is the comment automerge posts before it closes
	// a superseded pull request.
	MarkerCloseAnnounced
)

var markerKindStrings = [...]string{
	MarkerUnrecognized:    "unrecognized",
	MarkerPlanRequested:   "plan_requested",
	MarkerNoDiff:          "no_diff",
	MarkerHasDiff:         "has_diff",
	MarkerPlanError:       "plan_error",
	MarkerNoProjects:      "no_projects",
	MarkerLockReleased:    "lock_released",
	MarkerIgnoreAnnounced: "ignore_announced",
	MarkerSuperseded:      "superseded",
	MarkerCloseAnnounced:  "close_announced",
}

func (k MarkerKind) String() string {
	if k < 0 || int(k) >= len(markerKindStrings) {
		return "invalid"
	}

	return markerKindStrings[k]
}

const (
	DefaultPlanComment   = "atlantis plan"
	DefaultUnlockComment = "atlantis unlock"
	// IgnoreComment is posted when a pull request is ignored because its
	// plan has changes.
	IgnoreComment = "This PR will be ignored by automerge"
	// CloseComment is posted when a superseded pull request is closed.
	CloseComment = "This PR will be closed since there is a new version of this dependency"
)

// Vocabulary defines how comments are mapped to MarkerKinds.
type Vocabulary struct {
	// PlanCommand is the comment that requests a plan. A comment whose
	// first line starts with it is a plan request, independent of its
	// author.
	PlanCommand string
	// PlanToolUsers are the logins of the plan tool. When empty, comments
	// of all authors except the automerge user are interpreted as plan
	// tool output.
	PlanToolUsers map[string]struct{}

	HasDiff      []*regexp.Regexp
	PlanError    []*regexp.Regexp
	NoProjects   []*regexp.Regexp
	NoDiff       []*regexp.Regexp
	LockReleased []*regexp.Regexp

	IgnoreAnnouncement string
	CloseAnnouncement  string
	Superseded         string
}

// NewVocabulary returns the Vocabulary for the Atlantis plan tool.
func NewVocabulary(planCommand string, planToolUsers []string) *Vocabulary {
	users := make(map[string]struct{}, len(planToolUsers))
	for _, u := range planToolUsers {
		users[u] = struct{}{}
	}

	return &Vocabulary{
		PlanCommand:   planCommand,
		PlanToolUsers: users,
		HasDiff: []*regexp.Regexp{
			regexp.MustCompile(`Plan: [0-9]* to add, [0-9]* to change, [0-9]* to destroy\.`),
			regexp.MustCompile(`Changes to Outputs`),
		},
		PlanError: []*regexp.Regexp{
			regexp.MustCompile(`Plan Error`),
			regexp.MustCompile(`Plan Failed`),
			regexp.MustCompile(`Continued plan output from previous comment\.`),
			regexp.MustCompile(`via the Atlantis UI`),
			regexp.MustCompile(`Apply Failed`),
			regexp.MustCompile(`Apply Error`),
		},
		NoProjects: []*regexp.Regexp{
			regexp.MustCompile(`Ran Plan for 0 projects`),
		},
		NoDiff: []*regexp.Regexp{
			regexp.MustCompile(`No changes\. Your infrastructure matches the configuration`),
			regexp.MustCompile(`Apply complete!`),
		},
		LockReleased: []*regexp.Regexp{
			regexp.MustCompile(`All Atlantis locks for this PR have been unlocked and plans discarded`),
		},
		IgnoreAnnouncement: IgnoreComment,
		CloseAnnouncement:  CloseComment,
		Superseded:         "A newer version of",
	}
}

// Kind returns the MarkerKind of a comment.
// ourUser is the login of the automerge user.
//
// Result markers are only recognized in comments of the plan tool. When a
// comment contains multiple result markers, the first matching kind in the
// order HasDiff, PlanError, NoProjects, NoDiff wins.
func (v *Vocabulary) Kind(ourUser string, c *Comment) MarkerKind {
	if v.isPlanRequest(c.Body) {
		return MarkerPlanRequested
	}

	if c.Author == ourUser {
		if v.IgnoreAnnouncement != "" && strings.Contains(c.Body, v.IgnoreAnnouncement) {
			return MarkerIgnoreAnnounced
		}

		if v.CloseAnnouncement != "" && strings.Contains(c.Body, v.CloseAnnouncement) {
			return MarkerCloseAnnounced
		}

		return MarkerUnrecognized
	}

	if v.Superseded != "" && strings.Contains(c.Body, v.Superseded) {
		return MarkerSuperseded
	}

	if !v.isPlanToolUser(c.Author) {
		return MarkerUnrecognized
	}

	switch {
	case matchesAny(v.LockReleased, c.Body):
		return MarkerLockReleased
	case matchesAny(v.HasDiff, c.Body):
		return MarkerHasDiff
	case matchesAny(v.PlanError, c.Body):
		return MarkerPlanError
	case matchesAny(v.NoProjects, c.Body):
		return MarkerNoProjects
	case matchesAny(v.NoDiff, c.Body):
		return MarkerNoDiff
	default:
		return MarkerUnrecognized
	}
}

func (v *Vocabulary) isPlanRequest(body string) bool {
	if v.PlanCommand == "" {
		return false
	}

	firstLine, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	firstLine = strings.TrimSpace(firstLine)

	if firstLine == v.PlanCommand {
		return true
	}

	// "atlantis plan -p prod" is a plan request, "atlantis planned" is
	// not
	return strings.HasPrefix(firstLine, v.PlanCommand+" ")
}

func (v *Vocabulary) isPlanToolUser(login string) bool {
	if len(v.PlanToolUsers) == 0 {
		return true
	}

	_, exists := v.PlanToolUsers[login]
	return exists
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}

	return false
}
