package messaging

import (
	"fmt"
	"strings"
)

const (
	// DefaultSubjectPrefix is the subject root used when none is configured.
	DefaultSubjectPrefix = "sagaflow.v1"
)

// Kind separates commands addressed to participants from events consumed by
// orchestrators and initiators.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Subject returns the subject for one message type: {prefix}.{kind}.{type}.
func Subject(prefix string, kind Kind, messageType string) string {
	return fmt.Sprintf("%s.%s.%s", normalizePrefix(prefix), kind, sanitizeSegment(messageType))
}

// KindWildcardSubject matches every message of one kind.
func KindWildcardSubject(prefix string, kind Kind) string {
	return fmt.Sprintf("%s.%s.>", normalizePrefix(prefix), kind)
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix
}

// sanitizeSegment keeps a message type to a single subject token.
func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(value)
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if pattern == ">" {
		return subject != ""
	}
	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	for i, part := range patternParts {
		if part == ">" && i == len(patternParts)-1 {
			// ">" needs at least one remaining token.
			return len(subjectParts) > i
		}
		if i >= len(subjectParts) {
			return false
		}
		if part != "*" && part != subjectParts[i] {
			return false
		}
	}
	return len(patternParts) == len(subjectParts)
}
