package dispatcher

import "testing"

func TestPatternMatcher(t *testing.T) {
	match := MakePatternMatcher()

	testCases := []struct {
		name    string
		pattern string
		event   string
		want    bool
	}{
		{"Exact match", "account/email.updated", "account/email.updated", true},
		{"Exact mismatch", "account/email.updated", "account/password.updated", false},
		{"Single wildcard", "account/+", "account/deletion.confirmed", true},
		{"Single wildcard star alias", "account/*", "account/deletion.execute", true},
		{"Single wildcard wrong prefix", "account/*", "analysis/request.sent", false},
		{"Single wildcard too many segments", "a/+", "a/b/c", false},
		{"Multi wildcard at end", "account/#", "account/deletion/confirmed", true},
		{"Multi wildcard matches parent", "account/#", "account", true},
		{"Multi wildcard matches everything", "#", "engine/run.resume", true},
		{"Multi wildcard must be final", "a/#/c", "a/b/c", false},
		{"Name longer than pattern", "account", "account/email.updated", false},
		{"Empty pattern", "", "account/email.updated", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := match(tc.pattern, tc.event); got != tc.want {
				t.Errorf("match(pattern: %q, event: %q) = %v; want %v", tc.pattern, tc.event, got, tc.want)
			}
		})
	}
}
