package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func JobID(val int) zap.Field {
	return zap.Int("job.id", val)
}

func JobKind(val string) zap.Field {
	return zap.String("job.kind", val)
}

func Ecosystem(val string) zap.Field {
	return zap.String("job.ecosystem", val)
}

func DirectoryKey(val string) zap.Field {
	return zap.String("job.directory_key", val)
}

func Dependency(val string) zap.Field {
	return zap.String("job.dependency", val)
}
