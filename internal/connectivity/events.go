package connectivity

import "log/slog"

// EventMonitor is driven by network-change notifications delivered by the
// host platform (for the dashboard, the browser's online/offline events
// forwarded over the local API).
type EventMonitor struct {
	*Signal
}

// NewEventMonitor returns a monitor that assumes online until told otherwise.
func NewEventMonitor(logger *slog.Logger) *EventMonitor {
	return &EventMonitor{Signal: NewSignal(logger)}
}

// Report feeds one platform event into the monitor. Duplicate events are
// absorbed; it returns true when the state flipped.
func (m *EventMonitor) Report(online bool) bool {
	return m.Set(online)
}
