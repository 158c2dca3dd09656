package settings

import (
	"dario.cat/mergo"
	"github.com/google/uuid"
)

// normalizeProfiles guarantees the profile invariants: at least one profile
// exists, every profile has a unique id, the provider field holds a known
// value or stays empty, and the active pointer resolves to a profile in the
// list. Empty profile fields stay empty on purpose: they inherit the legacy
// scalar values at resolve time, so a saved change to the scalars reaches
// every profile that did not override them.
func (s *Settings) normalizeProfiles() {
	if len(s.Profiles) == 0 {
		s.Profiles = []Profile{{ID: uuid.NewString(), Name: "Default"}}
	}

	seen := make(map[string]bool, len(s.Profiles))
	for i := range s.Profiles {
		p := &s.Profiles[i]
		if p.ID == "" || seen[p.ID] {
			p.ID = uuid.NewString()
		}
		seen[p.ID] = true

		switch p.Provider {
		case "", ProviderGroq, ProviderOpenAI, ProviderOpenAICompatible:
		default:
			// Unknown values inherit the top-level provider
			p.Provider = ""
		}
	}

	if s.findProfile(s.ActiveProfileID) == nil {
		s.ActiveProfileID = s.Profiles[0].ID
	}
}

// legacyProfile builds the inheritance source from the flat scalar fields
func (s *Settings) legacyProfile() Profile {
	return Profile{
		Name:         "Default",
		Persona:      s.Persona,
		Provider:     s.Provider,
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		BotTag:       s.BotTag,
	}
}

// effective returns a copy of p with empty fields filled from the legacy
// scalars. Inheritance happens per read, never at load time: baking the
// scalars into a stored profile would freeze them, and a later provider or
// model change would never reach the profile that should follow it.
func (s *Settings) effective(p *Profile) *Profile {
	eff := *p
	if err := mergo.Merge(&eff, s.legacyProfile()); err != nil {
		// mergo only fails on non-struct input
		return &eff
	}
	return &eff
}

func (s *Settings) findProfile(id string) *Profile {
	if id == "" {
		return nil
	}
	for i := range s.Profiles {
		if s.Profiles[i].ID == id {
			return &s.Profiles[i]
		}
	}
	return nil
}

// ResolveActiveProfile returns the profile the active pointer references,
// with empty fields inherited from the scalars, falling back to the first
// profile when the stored id is stale. Returns nil only for an empty
// profile list, which normalization prevents.
func ResolveActiveProfile(s *Settings) *Profile {
	if len(s.Profiles) == 0 {
		return nil
	}
	p := s.findProfile(s.ActiveProfileID)
	if p == nil {
		p = &s.Profiles[0]
	}
	return s.effective(p)
}

// ResolveProfileFor returns the profile routed to a sender key (normalized
// phone number), or the active profile when no route matches. Stale routes
// are already dropped by normalization, so a present route always resolves.
func ResolveProfileFor(s *Settings, senderKey string) *Profile {
	if senderKey != "" {
		if id, ok := s.ProfileRouting[senderKey]; ok {
			if p := s.findProfile(id); p != nil {
				return s.effective(p)
			}
		}
	}
	return ResolveActiveProfile(s)
}
