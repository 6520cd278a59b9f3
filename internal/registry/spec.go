package registry

import "strings"

// SpecKind classifies a model spec by its routing prefix.
type SpecKind int

const (
	// SpecDefault is a bare model name resolved via configured routing.
	SpecDefault SpecKind = iota

	// SpecAgent routes to the agent loop ("agent:" prefix).
	SpecAgent

	// SpecLocal routes to a local provider, bypassing the governed path
	// ("local:" prefix).
	SpecLocal

	// SpecProvider routes to a named provider ("provider_id:model").
	SpecProvider
)

// ModelSpec is a parsed model field from a chat completion request.
type ModelSpec struct {
	Kind SpecKind

	// Provider is the provider ID for SpecProvider specs.
	Provider string

	// Model is the model name after the prefix; for SpecAgent it is the agent
	// profile (may be empty).
	Model string

	// Raw is the original spec as received.
	Raw string
}

// ParseSpec splits a model spec on its routing prefix. It recognises the
// reserved prefixes "agent:" and "local:"; any other prefixed form is treated
// as provider_id:model and validated against the registry later. A bare name
// is a default-routed model.
func ParseSpec(raw string) ModelSpec {
	spec := ModelSpec{Raw: raw}
	prefix, rest, found := strings.Cut(raw, ":")
	if !found {
		spec.Model = raw
		return spec
	}
	switch prefix {
	case "agent":
		spec.Kind = SpecAgent
		spec.Model = rest
	case "local":
		spec.Kind = SpecLocal
		spec.Model = rest
	default:
		spec.Kind = SpecProvider
		spec.Provider = prefix
		spec.Model = rest
	}
	return spec
}
