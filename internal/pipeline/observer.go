package pipeline

import "github.com/haruyama/ailoop/internal/model"

// StatusObserver is notified on every run status transition.
type StatusObserver interface {
	OnStatusChange(runID string, from, to model.RunStatus)
}

// EventObserver is notified for every trace event the pipeline emits.
type EventObserver interface {
	OnEvent(runID, eventType string, data map[string]any)
}

// notifyStatus shields the pipeline from observer panics; a broken
// observer must never take a run down with it.
func notifyStatus(obs []StatusObserver, runID string, from, to model.RunStatus) {
	for _, o := range obs {
		func() {
			defer func() { _ = recover() }()
			o.OnStatusChange(runID, from, to)
		}()
	}
}

func notifyEvent(obs []EventObserver, runID, eventType string, data map[string]any) {
	for _, o := range obs {
		func() {
			defer func() { _ = recover() }()
			o.OnEvent(runID, eventType, data)
		}()
	}
}
