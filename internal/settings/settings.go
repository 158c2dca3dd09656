// Package settings holds the gateway configuration model: typed, defaulted
// and validated settings plus the named profile list. The file format is a
// flat JSON object; loading tolerates missing or malformed input and always
// produces a fully populated value.
package settings

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Provider identifies a chat-completion backend
type Provider string

const (
	ProviderGroq             Provider = "groq"
	ProviderOpenAI           Provider = "openai"
	ProviderOpenAICompatible Provider = "openaiCompatible"
)

// DM and group policy values derived from the legacy boolean fields
const (
	DMPolicyOwner     = "owner"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"

	GroupPolicyOff       = "off"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyOpen      = "open"
)

// Numeric clamps
const (
	CooldownMaxSeconds  = 86400
	MaxResponseCharsMin = 200
	MaxResponseCharsMax = 10000
)

// Profile is a named persona/provider/model/prompt bundle, switchable as a unit
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Persona      string   `json:"persona"`
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	BotTag       string   `json:"botTag"`
}

// Settings is the process-wide configuration snapshot. Snapshots are
// replaced, never mutated: pipeline code reads a complete value.
type Settings struct {
	Persona      string   `json:"persona"`
	Provider     Provider `json:"provider"`
	OwnerNumber  string   `json:"ownerNumber"`
	BotTag       string   `json:"botTag"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	AutoStart    bool     `json:"autoStart"`

	GroqAPIKey              string `json:"groqApiKey"`
	GroqBaseURL             string `json:"groqBaseUrl"`
	OpenAIAPIKey            string `json:"openaiApiKey"`
	OpenAIBaseURL           string `json:"openaiBaseUrl"`
	OpenAICompatibleAPIKey  string `json:"openaiCompatibleApiKey"`
	OpenAICompatibleBaseURL string `json:"openaiCompatibleBaseUrl"`

	RestrictToOwner       bool     `json:"restrictToOwner"`
	AllowedUsers          []string `json:"allowedUsers"`
	RespondToGroups       bool     `json:"respondToGroups"`
	AllowedGroups         []string `json:"allowedGroups"`
	RequireGroupAllowlist bool     `json:"requireGroupAllowlist"`

	// Always true. The admission policy enforces mention gating with its own
	// constant; this field only exists so saved files round-trip the key.
	GroupOnlyMention bool `json:"groupOnlyMention"`

	GroupRequireCommand  bool   `json:"groupRequireCommand"`
	GroupCommandPrefix   string `json:"groupCommandPrefix"`
	CooldownSecondsDm    int    `json:"cooldownSecondsDm"`
	CooldownSecondsGroup int    `json:"cooldownSecondsGroup"`
	MaxResponseChars     int    `json:"maxResponseChars"`

	// Derived from the legacy booleans on every load/save; input values are
	// ignored.
	DMPolicy    string `json:"dmPolicy"`
	GroupPolicy string `json:"groupPolicy"`

	Profiles        []Profile         `json:"profiles"`
	ActiveProfileID string            `json:"activeProfileId"`
	ProfileRouting  map[string]string `json:"profileRouting"`
}

// Defaults returns the hard default settings
func Defaults() *Settings {
	return &Settings{
		Persona:               "",
		Provider:              ProviderGroq,
		Model:                 "llama-3.3-70b-versatile",
		SystemPrompt:          "You are a helpful assistant replying inside WhatsApp chats. Keep replies concise.",
		BotTag:                "",
		AutoStart:             false,
		RestrictToOwner:       false,
		AllowedUsers:          []string{},
		RespondToGroups:       false,
		AllowedGroups:         []string{},
		RequireGroupAllowlist: true,
		GroupOnlyMention:      true,
		GroupRequireCommand:   false,
		GroupCommandPrefix:    "!",
		CooldownSecondsDm:     2,
		CooldownSecondsGroup:  12,
		MaxResponseChars:      1500,
		Profiles:              []Profile{},
		ProfileRouting:        map[string]string{},
	}
}

// Load builds a settings snapshot from raw JSON supplied by the persistence
// collaborator. Missing or unparseable input means "no overrides": every
// field takes its default. Each present key is coerced field-by-field so a
// wrong-typed value degrades to the default instead of failing the load.
func Load(raw []byte) *Settings {
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			m = nil
		}
	}
	return fromMap(m)
}

func fromMap(m map[string]any) *Settings {
	d := Defaults()
	s := &Settings{
		Persona:      asString(m, "persona", d.Persona),
		Provider:     Provider(asString(m, "provider", string(d.Provider))),
		OwnerNumber:  asString(m, "ownerNumber", ""),
		BotTag:       asString(m, "botTag", d.BotTag),
		Model:        asString(m, "model", d.Model),
		SystemPrompt: asString(m, "systemPrompt", d.SystemPrompt),
		AutoStart:    asBool(m, "autoStart", d.AutoStart),

		GroqAPIKey:              asString(m, "groqApiKey", ""),
		GroqBaseURL:             asString(m, "groqBaseUrl", ""),
		OpenAIAPIKey:            asString(m, "openaiApiKey", ""),
		OpenAIBaseURL:           asString(m, "openaiBaseUrl", ""),
		OpenAICompatibleAPIKey:  asString(m, "openaiCompatibleApiKey", ""),
		OpenAICompatibleBaseURL: asString(m, "openaiCompatibleBaseUrl", ""),

		RestrictToOwner:       asBool(m, "restrictToOwner", d.RestrictToOwner),
		AllowedUsers:          asStringList(m, "allowedUsers"),
		RespondToGroups:       asBool(m, "respondToGroups", d.RespondToGroups),
		AllowedGroups:         asStringList(m, "allowedGroups"),
		RequireGroupAllowlist: asBool(m, "requireGroupAllowlist", d.RequireGroupAllowlist),

		GroupRequireCommand:  asBool(m, "groupRequireCommand", d.GroupRequireCommand),
		GroupCommandPrefix:   asString(m, "groupCommandPrefix", d.GroupCommandPrefix),
		CooldownSecondsDm:    asClampedInt(m, "cooldownSecondsDm", d.CooldownSecondsDm, 0, CooldownMaxSeconds),
		CooldownSecondsGroup: asClampedInt(m, "cooldownSecondsGroup", d.CooldownSecondsGroup, 0, CooldownMaxSeconds),
		MaxResponseChars:     asClampedInt(m, "maxResponseChars", d.MaxResponseChars, MaxResponseCharsMin, MaxResponseCharsMax),

		Profiles:        asProfiles(m, "profiles"),
		ActiveProfileID: asString(m, "activeProfileId", ""),
		ProfileRouting:  asStringMap(m, "profileRouting"),
	}
	s.normalize()
	return s
}

// normalize enforces the model invariants: valid provider enum, non-empty
// command prefix, at least one profile, a resolvable active-profile pointer,
// a routing table free of stale profile references, mention gating locked on,
// and freshly derived policy conveniences.
func (s *Settings) normalize() {
	switch s.Provider {
	case ProviderGroq, ProviderOpenAI, ProviderOpenAICompatible:
	default:
		s.Provider = ProviderGroq
	}

	s.GroupCommandPrefix = strings.TrimSpace(s.GroupCommandPrefix)
	if s.GroupCommandPrefix == "" {
		s.GroupCommandPrefix = "!"
	}

	s.GroupOnlyMention = true

	s.AllowedUsers = trimList(s.AllowedUsers)
	s.AllowedGroups = trimList(s.AllowedGroups)

	s.normalizeProfiles()
	s.normalizeRouting()

	switch {
	case s.RestrictToOwner:
		s.DMPolicy = DMPolicyOwner
	case len(s.AllowedUsers) > 0:
		s.DMPolicy = DMPolicyAllowlist
	default:
		s.DMPolicy = DMPolicyOpen
	}

	switch {
	case !s.RespondToGroups:
		s.GroupPolicy = GroupPolicyOff
	case s.RequireGroupAllowlist:
		s.GroupPolicy = GroupPolicyAllowlist
	default:
		s.GroupPolicy = GroupPolicyOpen
	}
}

// normalizeRouting drops routing entries that reference a profile id no
// longer in the list. Stale entries are removed silently: the table is
// keyed by externally supplied ids and deletion of a profile must not
// invalidate the whole table.
func (s *Settings) normalizeRouting() {
	if s.ProfileRouting == nil {
		s.ProfileRouting = map[string]string{}
		return
	}
	ids := make(map[string]bool, len(s.Profiles))
	for _, p := range s.Profiles {
		ids[p.ID] = true
	}
	for key, profileID := range s.ProfileRouting {
		if !ids[profileID] {
			delete(s.ProfileRouting, key)
		}
	}
}

// Clone returns a deep copy; Save works on a copy so readers of the old
// snapshot are never affected.
func (s *Settings) Clone() *Settings {
	c := *s
	c.AllowedUsers = append([]string(nil), s.AllowedUsers...)
	c.AllowedGroups = append([]string(nil), s.AllowedGroups...)
	c.Profiles = append([]Profile(nil), s.Profiles...)
	c.ProfileRouting = make(map[string]string, len(s.ProfileRouting))
	for k, v := range s.ProfileRouting {
		c.ProfileRouting[k] = v
	}
	return &c
}

// --- coercion helpers ---

func asString(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func asBool(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// asClampedInt coerces a numeric value and clamps it into [min, max].
// An absent or non-numeric value takes the default; a present negative
// value clamps to min rather than the default, since an explicit number
// expresses intent even when out of range.
func asClampedInt(m map[string]any, key string, def, min, max int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return clampInt(def, min, max)
	}
	switch n := v.(type) {
	case float64:
		return clampInt(int(n), min, max)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return clampInt(i, min, max)
		}
	}
	return clampInt(def, min, max)
}

func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func asStringList(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return []string{}
	}
	arr, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func asStringMap(m map[string]any, key string) map[string]string {
	out := map[string]string{}
	v, ok := m[key]
	if !ok || v == nil {
		return out
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, item := range obj {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

func asProfiles(m map[string]any, key string) []Profile {
	v, ok := m[key]
	if !ok || v == nil {
		return []Profile{}
	}
	arr, ok := v.([]any)
	if !ok {
		return []Profile{}
	}
	out := make([]Profile, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Profile{
			ID:           asString(obj, "id", ""),
			Name:         asString(obj, "name", ""),
			Persona:      asString(obj, "persona", ""),
			Provider:     Provider(asString(obj, "provider", "")),
			Model:        asString(obj, "model", ""),
			SystemPrompt: asString(obj, "systemPrompt", ""),
			BotTag:       asString(obj, "botTag", ""),
		})
	}
	return out
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
