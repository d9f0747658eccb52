package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("provider.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("provider.repository", val)
}

func Project(val string) zap.Field {
	return zap.String("provider.project", val)
}

func Organisation(val string) zap.Field {
	return zap.String("provider.organisation", val)
}

func TargetBranch(val string) zap.Field {
	return zap.String("git.target_branch", val)
}
