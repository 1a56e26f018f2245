package triage

import (
	"sort"
	"time"
)

// Signals are derived from the comment and review history of a pull
// request.
type Signals struct {
	// HasHistory is true if the pull request contains comments of the
	// automerge user or comments that are part of the plan workflow.
	HasHistory bool
	// PlanRequested is true if a plan was requested.
	PlanRequested bool
	// PlanResult is the result the plan tool reported for the latest plan
	// request.
	PlanResult PlanResult
	// IsDismissed is true if an approval of the automerge user was
	// dismissed after the latest plan request and it did not approve again.
	IsDismissed bool
	// IgnoreAnnounced is true if the ignore comment was posted after the
	// latest plan request.
	IgnoreAnnounced bool
	// Superseded is true if the dependency bot announced a newer version.
	Superseded bool
	// CloseAnnounced is true if automerge announced that it closes the
	// superseded pull request.
	CloseAnnounced bool
	// LastPlanRequest is the creation time of the latest plan request.
	LastPlanRequest time.Time
}

type historyEvent struct {
	at   time.Time
	kind MarkerKind
	// review is set instead of kind for review events
	review ReviewEventKind
}

// Parse folds the comments and review events of a pull request into Signals.
//
// Comments and reviews are ordered by their creation time before they are
// evaluated, later events override the conclusions of earlier ones. A plan
// request resets the plan result, the dismissal state and the ignore
// announcement.
// The order of the passed slices does not matter, comments that were
// retrieved in multiple pages can be concatenated in any order.
func Parse(vocab *Vocabulary, ourUser string, comments []*Comment, reviews []*ReviewEvent) Signals {
	result := Signals{PlanResult: PlanResultNone}

	events := make([]*historyEvent, 0, len(comments)+len(reviews))
	for _, c := range comments {
		kind := vocab.Kind(ourUser, c)
		if c.Author == ourUser || kind != MarkerUnrecognized {
			result.HasHistory = true
		}

		if kind == MarkerUnrecognized {
			continue
		}

		events = append(events, &historyEvent{at: c.CreatedAt, kind: kind})
	}

	for _, r := range reviews {
		events = append(events, &historyEvent{at: r.CreatedAt, review: r.Kind})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].at.Before(events[j].at)
	})

	for _, ev := range events {
		switch ev.review {
		case ReviewApproved:
			result.IsDismissed = false
			continue

		case ReviewDismissed:
			result.IsDismissed = true
			continue
		}

		switch ev.kind {
		case MarkerPlanRequested:
			result.PlanRequested = true
			result.PlanResult = PlanResultNone
			result.IsDismissed = false
			result.IgnoreAnnounced = false
			result.LastPlanRequest = ev.at

		case MarkerNoDiff:
			result.PlanResult = PlanResultNoDiff

		case MarkerHasDiff:
			result.PlanResult = PlanResultHasDiff

		case MarkerPlanError:
			result.PlanResult = PlanResultError

		case MarkerNoProjects:
			result.PlanResult = PlanResultNoProjects

		case MarkerIgnoreAnnounced:
			result.IgnoreAnnounced = true

		case MarkerSuperseded:
			result.Superseded = true

		case MarkerCloseAnnounced:
			result.CloseAnnounced = true

		case MarkerLockReleased:
			// releasing a lock does not change the plan result
		}
	}

	return result
}
