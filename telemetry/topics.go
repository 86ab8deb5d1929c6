package telemetry

import "strings"

// DefaultTopicRoot prefixes every topic used on the field transport
const DefaultTopicRoot = "forest-fire"

// Topics builds topic names under a root
type Topics struct {
	Root string
}

// NewTopics returns the layout rooted at root, or DefaultTopicRoot when empty
func NewTopics(root string) Topics {
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultTopicRoot
	}
	return Topics{Root: root}
}

// TelemetryPattern matches every node's data topic
func (t Topics) TelemetryPattern() string { return t.Root + "/nodes/+/data" }

// NodeStatusPattern matches node self-reported status topics
func (t Topics) NodeStatusPattern() string { return t.Root + "/nodes/+/status" }

// Presence is the retained gateway presence topic
func (t Topics) Presence() string { return t.Root + "/gateway/status" }

// Event is the normalized status event topic for a node
func (t Topics) Event(nodeID string) string { return t.Root + "/events/" + nodeID }

// Alert is the per-node alert topic
func (t Topics) Alert(nodeID string) string { return t.Root + "/alerts/" + nodeID }

// Dashboard is the aggregated alert feed
func (t Topics) Dashboard() string { return t.Root + "/alerts/dashboard" }

// Config is the retained per-node configuration push topic
func (t Topics) Config(nodeID string) string { return t.Root + "/nodes/" + nodeID + "/config" }

// Command is the per-node command topic
func (t Topics) Command(nodeID string) string { return t.Root + "/nodes/" + nodeID + "/commands" }

// ParseNodeTopic splits "<root>/nodes/<id>/<kind>" into id and kind
func (t Topics) ParseNodeTopic(topic string) (nodeID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Root+"/nodes/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MatchTopic reports whether topic matches an MQTT-style pattern with + and # wildcards
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	p := strings.Split(pattern, "/")
	s := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "#" {
			return i == len(p)-1
		}
		if i >= len(s) {
			return false
		}
		if seg != "+" && seg != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
