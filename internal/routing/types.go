package routing

// ExtensionType is the closed set of extension kinds.
type ExtensionType string

const (
	ExtUser        ExtensionType = "user"
	ExtConference  ExtensionType = "conference"
	ExtRingGroup   ExtensionType = "ring_group"
	ExtIVR         ExtensionType = "ivr"
	ExtAIAssistant ExtensionType = "ai_assistant"
	ExtCustomLogic ExtensionType = "custom_logic"
	ExtForward     ExtensionType = "forward"
)

var extensionLabels = map[ExtensionType]string{
	ExtUser:        "User",
	ExtConference:  "Conference",
	ExtRingGroup:   "Ring Group",
	ExtIVR:         "IVR",
	ExtAIAssistant: "AI Assistant",
	ExtCustomLogic: "Custom Logic",
	ExtForward:     "Forward",
}

// ParseExtensionType validates s.
func ParseExtensionType(s string) (ExtensionType, bool) {
	t := ExtensionType(s)
	_, ok := extensionLabels[t]
	return t, ok
}

// Label is the human-readable name.
func (t ExtensionType) Label() string {
	if l, ok := extensionLabels[t]; ok {
		return l
	}
	return "Unknown"
}

// CanOriginate reports whether calls from this type are classified as
// internal.
func (t ExtensionType) CanOriginate() bool {
	return t == ExtUser || t == ExtAIAssistant
}

// AllowsOutbound reports whether this type may dial external numbers.
func (t ExtensionType) AllowsOutbound() bool {
	return t == ExtUser
}

// CanBeRingGroupMember reports whether this type may be rung by a ring group.
func (t ExtensionType) CanBeRingGroupMember() bool {
	return t == ExtUser
}

// CallType is the classification outcome.
type CallType string

const (
	CallInternal CallType = "internal"
	CallExternal CallType = "external"
	CallInvalid  CallType = "invalid"
)

// Label is the human-readable name.
func (c CallType) Label() string {
	switch c {
	case CallInternal:
		return "Internal"
	case CallExternal:
		return "External"
	default:
		return "Invalid"
	}
}

// Routable reports whether routing should continue.
func (c CallType) Routable() bool {
	return c == CallInternal || c == CallExternal
}

// StatusActive is the only status that makes a record usable for routing.
const StatusActive = "active"
