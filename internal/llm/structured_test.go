package llm

import "testing"

func TestCleanContentForJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Sure, here you go: {\"a\":1} hope that helps", `{"a":1}`},
		{"```\n[1,2]\n```", `[1,2]`},
		{"  {\"a\": {\"b\": 2}}  ", `{"a": {"b": 2}}`},
	}
	for _, tt := range tests {
		if got := cleanContentForJSON(tt.in); got != tt.want {
			t.Errorf("cleanContentForJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
