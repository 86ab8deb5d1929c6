package testutil

import (
	"sync"

	"github.com/amoahfrank/firewatch/telemetry"
)

// RecordingAlertSink collects alerts in memory
type RecordingAlertSink struct {
	mu     sync.Mutex
	alerts []telemetry.Alert
	fail   error
}

// FailWith makes SendAlert return err; nil restores success
func (s *RecordingAlertSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// SendAlert records alert
func (s *RecordingAlertSink) SendAlert(alert telemetry.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

// Alerts returns every recorded alert in order
func (s *RecordingAlertSink) Alerts() []telemetry.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Alert(nil), s.alerts...)
}
