package avatar3d

import "fmt"

// AnimationState is the avatar's externally driven activity state.
type AnimationState string

const (
	StateIdle       AnimationState = "idle"
	StateListening  AnimationState = "listening"
	StateSpeaking   AnimationState = "speaking"
	StateConnecting AnimationState = "connecting"
	StateError      AnimationState = "error"
)

// States lists every animation state.
var States = []AnimationState{StateIdle, StateListening, StateSpeaking, StateConnecting, StateError}

func (s AnimationState) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// ParseState accepts the lower-case state names.
func ParseState(name string) (AnimationState, error) {
	s := AnimationState(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown animation state %q", name)
	}
	return s, nil
}

// Clip names tried per state, most preferred first.
var clipCandidates = map[AnimationState][]string{
	StateIdle:       {"Idle", "idle", "breathing", "T-Pose", "TPose"},
	StateListening:  {"Listening", "listening", "attentive", "Idle", "idle"},
	StateSpeaking:   {"Speaking", "speaking", "Talk", "talk", "gesture"},
	StateConnecting: {"Wave", "wave", "Hello", "hello", "greeting", "Idle"},
	StateError:      {"Confused", "confused", "shrug", "Idle"},
}

// ClipCandidates returns the candidate clip names for s.
func ClipCandidates(s AnimationState) []string {
	return append([]string(nil), clipCandidates[s]...)
}

// StateMapper resolves each state to a clip once per bound model.
type StateMapper struct {
	clips map[AnimationState]ClipInfo
}

func NewStateMapper(available []ClipInfo) *StateMapper {
	byName := make(map[string]ClipInfo, len(available))
	for _, c := range available {
		if _, dup := byName[c.Name]; !dup {
			byName[c.Name] = c
		}
	}

	m := &StateMapper{clips: make(map[AnimationState]ClipInfo)}
	for _, s := range States {
		for _, name := range clipCandidates[s] {
			if c, ok := byName[name]; ok {
				m.clips[s] = c
				break
			}
		}
	}
	return m
}

// ClipFor returns the clip resolved for s.
func (m *StateMapper) ClipFor(s AnimationState) (ClipInfo, bool) {
	c, ok := m.clips[s]
	return c, ok
}

// Table returns the resolved clip name per state.
func (m *StateMapper) Table() map[AnimationState]string {
	out := make(map[AnimationState]string, len(m.clips))
	for s, c := range m.clips {
		out[s] = c.Name
	}
	return out
}
