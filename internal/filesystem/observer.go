package filesystem

// Observer records retry metrics. The metrics package provides the
// implementation, which keeps this package free of a metrics import.
type Observer interface {
	ObserveRetryAttempt(op string)
	ObserveRetrySuccess(op string)
	ObserveRetryFailure(op string)
}

// defaultObserver is set at startup. A nil observer skips recording.
var defaultObserver Observer

// SetObserver sets the package-level metrics observer.
func SetObserver(o Observer) {
	defaultObserver = o
}

func observe() Observer {
	return defaultObserver
}
