package registry

import "testing"

func TestParseSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw      string
		kind     SpecKind
		provider string
		model    string
	}{
		{"llama3.1:8b-instruct", SpecProvider, "llama3.1", "8b-instruct"},
		{"gpt-4o", SpecDefault, "", "gpt-4o"},
		{"", SpecDefault, "", ""},
		{"agent:mcp", SpecAgent, "", "mcp"},
		{"agent:", SpecAgent, "", ""},
		{"local:qwen2.5", SpecLocal, "", "qwen2.5"},
		{"groq:llama-3.3-70b", SpecProvider, "groq", "llama-3.3-70b"},
		{"openai:gpt-4o:mini", SpecProvider, "openai", "gpt-4o:mini"},
	}
	for _, tc := range cases {
		spec := ParseSpec(tc.raw)
		if spec.Kind != tc.kind {
			t.Errorf("ParseSpec(%q).Kind = %v, want %v", tc.raw, spec.Kind, tc.kind)
		}
		if spec.Provider != tc.provider {
			t.Errorf("ParseSpec(%q).Provider = %q, want %q", tc.raw, spec.Provider, tc.provider)
		}
		if spec.Model != tc.model {
			t.Errorf("ParseSpec(%q).Model = %q, want %q", tc.raw, spec.Model, tc.model)
		}
		if spec.Raw != tc.raw {
			t.Errorf("ParseSpec(%q).Raw = %q", tc.raw, spec.Raw)
		}
	}
}
