package broker

import "strings"

// MatchTopic reports whether topic matches the MQTT subscription filter,
// honouring the single-level "+" and multi-level "#" wildcards.
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			// "#" also matches the parent level: "a/#" matches "a".
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}

	return len(f) == len(t)
}

// ValidTopicLevel reports whether s can be used as a single topic level
// when building a publish topic: non-empty and free of wildcards and
// separators.
func ValidTopicLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}
