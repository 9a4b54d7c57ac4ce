package parse

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsedTopic holds the addressing parsed from a telemetry topic.
type ParsedTopic struct {
	TenantID int64
	Serial   string
	Kind     string
}

// ParseTopic splits a topic of the form <prefix>/<tenant>/<serial>/<kind>.
// The prefix may span several segments and must match exactly.
func ParseTopic(topic, prefix string) (ParsedTopic, error) {
	prefix = strings.Trim(prefix, "/")
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return ParsedTopic{}, fmt.Errorf("topic %q is outside prefix %q", topic, prefix)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return ParsedTopic{}, fmt.Errorf("topic %q: want <tenant>/<serial>/<kind> after prefix, got %d segments", topic, len(parts))
	}

	tenantID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || tenantID <= 0 {
		return ParsedTopic{}, fmt.Errorf("topic %q: invalid tenant id %q", topic, parts[0])
	}

	serial := strings.TrimSpace(parts[1])
	if serial == "" {
		return ParsedTopic{}, fmt.Errorf("topic %q: empty device serial", topic)
	}
	if parts[2] == "" {
		return ParsedTopic{}, fmt.Errorf("topic %q: empty message kind", topic)
	}

	return ParsedTopic{TenantID: tenantID, Serial: serial, Kind: parts[2]}, nil
}

// SubscriptionFilter returns the wildcard filter covering every topic under prefix.
func SubscriptionFilter(prefix string) string {
	return strings.Trim(prefix, "/") + "/#"
}
