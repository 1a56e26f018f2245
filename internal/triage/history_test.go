package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyHistory(t *testing.T) {
	s := Parse(testVocabulary(), testUser, nil, nil)

	assert.False(t, s.HasHistory)
	assert.False(t, s.PlanRequested)
	assert.Equal(t, PlanResultNone, s.PlanResult)
	assert.False(t, s.IsDismissed)
}

func TestParseLaterSignalsOverrideEarlierOnes(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment(planToolUser, planErrorBody, 2),
		planRequest(3),
		comment(planToolUser, noDiffBody, 4),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)

	assert.True(t, s.HasHistory)
	assert.True(t, s.PlanRequested)
	assert.Equal(t, PlanResultNoDiff, s.PlanResult)
	assert.Equal(t, at(3), s.LastPlanRequest)
}

func TestParsePlanRequestResetsResult(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment(planToolUser, planErrorBody, 2),
		planRequest(3),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)

	assert.True(t, s.PlanRequested)
	assert.Equal(t, PlanResultNone, s.PlanResult)
}

func TestParseIsIndependentOfPagination(t *testing.T) {
	all := []*Comment{
		comment(dependabotUser, "Bumps hashicorp/aws from 5.1.0 to 5.2.0.", 0),
		planRequest(1),
		comment(planToolUser, hasDiffBody, 2),
		comment("alice", "looks like a real change", 3),
		planRequest(4),
		comment(planToolUser, noProjectsBody, 5),
	}

	page1 := all[:2]
	page2 := all[2:4]
	page3 := all[4:]

	vocab := testVocabulary()
	expected := Parse(vocab, testUser, all, nil)

	concatenated := append(append(append([]*Comment{}, page1...), page2...), page3...)
	assert.Equal(t, expected, Parse(vocab, testUser, concatenated, nil))

	reversedPages := append(append(append([]*Comment{}, page3...), page2...), page1...)
	assert.Equal(t, expected, Parse(vocab, testUser, reversedPages, nil))

	assert.Equal(t, PlanResultNoProjects, expected.PlanResult)
}

func TestParseResultOnlyFromPlanToolUsers(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment("alice", "I pasted this: No changes. Your infrastructure matches the configuration.", 2),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)
	assert.Equal(t, PlanResultNone, s.PlanResult)

	anyAuthor := NewVocabulary(DefaultPlanComment, nil)
	s = Parse(anyAuthor, testUser, comments, nil)
	assert.Equal(t, PlanResultNoDiff, s.PlanResult)
}

func TestParseOwnCommentsAreNeverResults(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment(testUser, "Plan: 1 to add, 0 to change, 0 to destroy.", 2),
	}

	s := Parse(NewVocabulary(DefaultPlanComment, nil), testUser, comments, nil)
	assert.Equal(t, PlanResultNone, s.PlanResult)
}

func TestParsePlanRequestFromAnyAuthor(t *testing.T) {
	comments := []*Comment{
		comment("alice", "atlantis plan -p prod\nplease", 1),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)
	assert.True(t, s.HasHistory)
	assert.True(t, s.PlanRequested)
}

func TestParseDiffWinsOverNoChanges(t *testing.T) {
	body := "project a:\nNo changes. Your infrastructure matches the configuration.\n" +
		"project b:\nPlan: 0 to add, 2 to change, 0 to destroy."

	s := Parse(testVocabulary(), testUser, []*Comment{planRequest(1), comment(planToolUser, body, 2)}, nil)
	assert.Equal(t, PlanResultHasDiff, s.PlanResult)
}

func TestParseLockReleasedIsNotAnError(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment(planToolUser, noDiffBody, 2),
		comment(planToolUser, unlockedBody, 3),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)
	assert.Equal(t, PlanResultNoDiff, s.PlanResult)
}

func TestParseDismissal(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment(planToolUser, noDiffBody, 2),
	}

	t.Run("dismissed after approval", func(t *testing.T) {
		s := Parse(testVocabulary(), testUser, comments, []*ReviewEvent{
			{Kind: ReviewApproved, CreatedAt: at(3)},
			{Kind: ReviewDismissed, CreatedAt: at(4)},
		})
		assert.True(t, s.IsDismissed)
	})

	t.Run("approved again after dismissal", func(t *testing.T) {
		s := Parse(testVocabulary(), testUser, comments, []*ReviewEvent{
			{Kind: ReviewApproved, CreatedAt: at(3)},
			{Kind: ReviewDismissed, CreatedAt: at(4)},
			{Kind: ReviewApproved, CreatedAt: at(5)},
		})
		assert.False(t, s.IsDismissed)
	})

	t.Run("plan requested after dismissal", func(t *testing.T) {
		s := Parse(testVocabulary(), testUser, append(comments, planRequest(6)), []*ReviewEvent{
			{Kind: ReviewDismissed, CreatedAt: at(4)},
		})
		assert.False(t, s.IsDismissed)
		assert.Equal(t, PlanResultNone, s.PlanResult)
	})
}

func TestParseIgnoreAnnouncement(t *testing.T) {
	comments := []*Comment{
		planRequest(1),
		comment(planToolUser, hasDiffBody, 2),
		comment(testUser, IgnoreComment, 3),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)
	assert.True(t, s.IgnoreAnnounced)

	s = Parse(testVocabulary(), testUser, append(comments, planRequest(4)), nil)
	assert.False(t, s.IgnoreAnnounced)
}

func TestParseSuperseded(t *testing.T) {
	s := Parse(testVocabulary(), testUser, []*Comment{comment(dependabotUser, supersededBody, 1)}, nil)

	assert.True(t, s.Superseded)
	assert.True(t, s.HasHistory)
}

func TestParseCloseAnnounced(t *testing.T) {
	comments := []*Comment{
		comment(dependabotUser, supersededBody, 1),
		comment(testUser, CloseComment, 2),
		comment(testUser, DefaultUnlockComment, 3),
	}

	s := Parse(testVocabulary(), testUser, comments, nil)
	assert.True(t, s.Superseded)
	assert.True(t, s.CloseAnnounced)

	s = Parse(testVocabulary(), testUser, comments[:1], nil)
	assert.False(t, s.CloseAnnounced)
}

func TestMarkerKind(t *testing.T) {
	vocab := testVocabulary()

	tcs := []struct {
		name     string
		comment  *Comment
		expected MarkerKind
	}{
		{"plan request", planRequest(0), MarkerPlanRequested},
		{"plan request with flags", comment("bob", "atlantis plan -d prod", 0), MarkerPlanRequested},
		{"not a plan request", comment("bob", "atlantis planned this yesterday", 0), MarkerUnrecognized},
		{"no diff", comment(planToolUser, noDiffBody, 0), MarkerNoDiff},
		{"apply complete", comment(planToolUser, "Apply complete! Resources: 0 added", 0), MarkerNoDiff},
		{"has diff", comment(planToolUser, hasDiffBody, 0), MarkerHasDiff},
		{"output changes", comment(planToolUser, "Changes to Outputs:\n  + x = 1", 0), MarkerHasDiff},
		{"plan error", comment(planToolUser, planErrorBody, 0), MarkerPlanError},
		{"plan failed", comment(planToolUser, "**Plan Failed**: lock held", 0), MarkerPlanError},
		{"no projects", comment(planToolUser, noProjectsBody, 0), MarkerNoProjects},
		{"lock released", comment(planToolUser, unlockedBody, 0), MarkerLockReleased},
		{"ignore announced", comment(testUser, IgnoreComment, 0), MarkerIgnoreAnnounced},
		{"superseded", comment(dependabotUser, supersededBody, 0), MarkerSuperseded},
		{"close announced", comment(testUser, CloseComment, 0), MarkerCloseAnnounced},
		{"close comment of other user", comment("alice", CloseComment, 0), MarkerUnrecognized},
		{"unknown plan tool comment", comment(planToolUser, "Atlantis is now running version 0.30", 0), MarkerUnrecognized},
		{"human comment", comment("alice", "lgtm", 0), MarkerUnrecognized},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			kind := vocab.Kind(testUser, tc.comment)
			require.Equal(t, tc.expected, kind, "got %s, expected %s", kind, tc.expected)
		})
	}
}
