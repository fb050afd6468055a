package delivery

import "log/slog"

// Sink receives user-visible messages. Calls must not block.
type Sink interface {
	Info(msg string)
	Error(msg string)
}

// LogSink writes user-visible messages to a slog logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Info(msg string)  { s.Logger.Info(msg) }
func (s LogSink) Error(msg string) { s.Logger.Error(msg) }

// Observer is notified about delivery progress, e.g. for metrics. Calls
// happen on the host loop and must not block.
type Observer interface {
	LinesSent(job JobStatus, n int)
	JobFinished(job JobStatus)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) LinesSent(job JobStatus, n int) {
	for _, obs := range o {
		obs.LinesSent(job, n)
	}
}

func (o Observers) JobFinished(job JobStatus) {
	for _, obs := range o {
		obs.JobFinished(job)
	}
}

type nopObserver struct{}

func (nopObserver) LinesSent(JobStatus, int) {}
func (nopObserver) JobFinished(JobStatus)    {}
