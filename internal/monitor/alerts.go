package monitor

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts through a printf-style logger.
type LogSink func(format string, args ...any)

func (f LogSink) Send(message string) error {
	f("ALERT: %s", message)
	return nil
}
