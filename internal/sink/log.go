package sink

import (
	"context"

	"daybrief/pkg/logx"
)

// Log writes artifacts to the structured log. It has no external
// dependencies and never fails, which makes it the fallback channel
// when everything else is down.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("component", "sink.log"))}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Deliver(_ context.Context, a Artifact) error {
	l.log.Info("artifact",
		logx.String("kind", a.Kind),
		logx.String("title", a.Title),
		logx.String("body", a.Body))
	return nil
}
