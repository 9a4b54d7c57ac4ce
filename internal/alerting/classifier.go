package alerting

import (
	"encoding/json"
	"fmt"
	"strconv"

	"guardian-backend/internal/model"
)

var baseSeverity = map[string]model.Severity{
	"emergency_button":    model.SeverityCritical,
	"fall_detected":       model.SeverityCritical,
	"fall_detection":      model.SeverityCritical,
	"location_sos":        model.SeverityCritical,
	"sos_alert":           model.SeverityCritical,
	"stranger_detected":   model.SeverityCritical,
	"heart_rate_abnormal": model.SeverityImportant,
	"fence_violation":     model.SeverityImportant,
	"device_offline":      model.SeverityNormal,
	"low_battery":         model.SeverityNormal,
}

const (
	minHeartRate       = 50
	maxHeartRate       = 120
	lowBatteryPercent  = 20
	fenceExitViolation = "exit"
)

// Classification is the outcome of looking at one event.
type Classification struct {
	Raise    bool
	Severity model.Severity
	Message  string
}

// Classify decides whether an event of eventType with payload warrants an
// alert, and at which severity. Types outside the table never alert.
func Classify(eventType string, payload json.RawMessage, deviceName string) Classification {
	severity, ok := baseSeverity[eventType]
	if !ok {
		return Classification{}
	}

	fields := map[string]any{}
	if len(payload) > 0 {
		// A payload that is not an object leaves fields empty, so gated types stay quiet.
		_ = json.Unmarshal(payload, &fields)
	}

	if !passesGate(eventType, fields) {
		return Classification{}
	}
	return Classification{
		Raise:    true,
		Severity: severity,
		Message:  message(eventType, fields, deviceName),
	}
}

func passesGate(eventType string, fields map[string]any) bool {
	switch eventType {
	case "heart_rate_abnormal":
		rate, ok := number(fields["heart_rate"])
		return ok && (rate < minHeartRate || rate > maxHeartRate)
	case "low_battery":
		level, ok := number(fields["battery_level"])
		return ok && level <= lowBatteryPercent
	case "fence_violation":
		violation, _ := fields["violation_type"].(string)
		return violation == fenceExitViolation
	}
	return true
}

func message(eventType string, fields map[string]any, name string) string {
	switch eventType {
	case "emergency_button":
		return fmt.Sprintf("Device %s triggered the emergency button!", name)
	case "fall_detected", "fall_detection":
		return fmt.Sprintf("Device %s detected a fall!", name)
	case "location_sos":
		return fmt.Sprintf("Device %s sent a location SOS signal!", name)
	case "sos_alert":
		return fmt.Sprintf("Device %s raised an SOS alert!", name)
	case "stranger_detected":
		return fmt.Sprintf("Device %s detected a stranger!", name)
	case "heart_rate_abnormal":
		rate, _ := number(fields["heart_rate"])
		return fmt.Sprintf("Device %s detected an abnormal heart rate: %s BPM", name, formatNumber(rate))
	case "fence_violation":
		return fmt.Sprintf("Device %s violated its fence: left the safe zone", name)
	case "device_offline":
		return fmt.Sprintf("Device %s is offline", name)
	case "low_battery":
		level, _ := number(fields["battery_level"])
		return fmt.Sprintf("Device %s battery low: %s%%", name, formatNumber(level))
	}
	return fmt.Sprintf("Device %s reported a %s event", name, eventType)
}

// number accepts JSON numbers only; numeric strings do not count.
func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
