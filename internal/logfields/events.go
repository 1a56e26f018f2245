package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func TriageState(val string) zap.Field {
	return zap.String("triage.state", val)
}

func TriageActions(vals []string) zap.Field {
	return zap.Strings("triage.actions", vals)
}

func Reason(val string) zap.Field {
	return zap.String("reason", val)
}
