package messaging

import "testing"

func TestSubject(t *testing.T) {
	if got := Subject("sagaflow.v1.", KindCommand, "CreateIdentity"); got != "sagaflow.v1.command.CreateIdentity" {
		t.Errorf("Subject() = %q", got)
	}
	if got := Subject("", KindEvent, "a.b c"); got != "sagaflow.v1.event.a_b_c" {
		t.Errorf("Subject() with sanitizing = %q", got)
	}
	if got := KindWildcardSubject("x", KindEvent); got != "x.event.>" {
		t.Errorf("KindWildcardSubject() = %q", got)
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
		{">", "anything", true},
	}
	for _, tt := range tests {
		if got := subjectMatches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestRedisPattern(t *testing.T) {
	if got := redisPattern("p.event.>"); got != "p.event.*" {
		t.Errorf("redisPattern() = %q", got)
	}
	if got := redisPattern("p.command.Ping"); got != "p.command.Ping" {
		t.Errorf("redisPattern() exact = %q", got)
	}
}
