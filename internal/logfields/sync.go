package logfields

import "go.uber.org/zap"

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func UpstreamRef(val string) zap.Field {
	return zap.String("git.upstream_ref", val)
}

func LocalRef(val string) zap.Field {
	return zap.String("git.local_ref", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func ImageTag(val string) zap.Field {
	return zap.String("image.tag", val)
}
