package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func PullRequestTitle(val string) zap.Field {
	return zap.String("github.pull_request_title", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func BaseBranch(val string) zap.Field {
	return zap.String("git.base_branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Label(val string) zap.Field {
	return zap.String("github.label", val)
}

func ReviewDecision(val string) zap.Field {
	return zap.String("github.review_decision", val)
}

func CIStatusSummary(val string) zap.Field {
	return zap.String("github.ci_status", val)
}

func MergeState(val string) zap.Field {
	return zap.String("github.merge_state", val)
}
