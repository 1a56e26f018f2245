package triage

import (
	"testing"
	"time"

	"github.com/google/go-github/v82/github"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/automerge/internal/githubclt"
)

const (
	testOwner      = "simplesurance"
	testRepo       = "infra-prod"
	testUser       = "automerge-bot"
	planToolUser   = "atlantis-bot"
	dependabotUser = "dependabot[bot]"
)

const (
	noDiffBody     = "Ran Plan for dir: `prod` workspace: `default`\n\n```diff\nNo changes. Your infrastructure matches the configuration.\n```"
	hasDiffBody    = "Ran Plan for dir: `prod` workspace: `default`\n\n```diff\n+ resource \"aws_s3_bucket\" \"x\"\n```\n\nPlan: 1 to add, 0 to change, 0 to destroy."
	planErrorBody  = "Ran Plan for dir: `prod` workspace: `default`\n\n**Plan Error**\n```\nError: Invalid provider configuration\n```"
	noProjectsBody = "Ran Plan for 0 projects:\n\n"
	unlockedBody   = "All Atlantis locks for this PR have been unlocked and plans discarded"
	supersededBody = "A newer version of hashicorp/aws exists, but since this PR has been edited by someone other than Dependabot I haven't updated it."
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func at(minute int) time.Time {
	return baseTime.Add(time.Duration(minute) * time.Minute)
}

func comment(author, body string, minute int) *Comment {
	return &Comment{Author: author, Body: body, CreatedAt: at(minute)}
}

func ghComment(author, body string, minute int) *githubclt.Comment {
	return &githubclt.Comment{Author: author, Body: body, CreatedAt: at(minute)}
}

func planRequest(minute int) *Comment {
	return comment(testUser, DefaultPlanComment, minute)
}

func testVocabulary() *Vocabulary {
	return NewVocabulary(DefaultPlanComment, []string{planToolUser})
}

func setupLogger(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
}

func newPullRequest(number int) *PullRequest {
	return &PullRequest{
		Owner:          testOwner,
		Repository:     testRepo,
		Number:         number,
		Title:          "[DEPENDABOT] bump hashicorp/aws from 5.1.0 to 5.2.0",
		Branch:         "dependabot/terraform/prod/hashicorp/aws-5.2.0",
		BaseBranch:     "main",
		HeadCommit:     "e5bd3914e2e596debea16f433f57875b5b90bcd6",
		State:          githubclt.PRStateOpen,
		Mergeable:      githubclt.MergeableMergeable,
		MergeState:     githubclt.MergeStateClean,
		ReviewDecision: ReviewDecisionNone,
		CIStatus:       githubclt.CIStatusSuccess,
		Labels:         map[string]struct{}{},
	}
}

func newGHPullRequest(number int, title string, labels ...string) *github.PullRequest {
	pr := github.PullRequest{
		Number: github.Ptr(number),
		Title:  github.Ptr(title),
		State:  github.Ptr("open"),
		User:   &github.User{Login: github.Ptr(dependabotUser)},
		Head:   &github.PullRequestBranch{Ref: github.Ptr("dependabot/terraform/x"), SHA: github.Ptr("a5bd3914")},
		Base:   &github.PullRequestBranch{Ref: github.Ptr("main")},
	}

	for _, l := range labels {
		pr.Labels = append(pr.Labels, &github.Label{Name: github.Ptr(l)})
	}

	return &pr
}

func cleanStatus() *githubclt.PRStatus {
	return &githubclt.PRStatus{
		State:            githubclt.PRStateOpen,
		Mergeable:        githubclt.MergeableMergeable,
		MergeStateStatus: githubclt.MergeStateClean,
		CIStatus:         githubclt.CIStatusSuccess,
		Commit:           "e5bd3914e2e596debea16f433f57875b5b90bcd6",
	}
}

// prIter is a githubclt.PRIterator returning a fixed list of pull
// requests.
type prIter struct {
	prs []*github.PullRequest
	err error
}

func (it *prIter) Next() (*github.PullRequest, error) {
	if len(it.prs) == 0 {
		return nil, it.err
	}

	pr := it.prs[0]
	it.prs = it.prs[1:]

	return pr, nil
}
