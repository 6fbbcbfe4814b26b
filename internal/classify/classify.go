package classify

import "strings"

// Platform signatures checked in order; first match wins.
var osSignatures = []struct {
	needle string
	label  string
}{
	{"android", "Android"},
	{"iphone", "iOS"},
	{"ipad", "iOS"},
	{"ios", "iOS"},
	{"windows", "Windows"},
	{"mac os", "macOS"},
	{"macintosh", "macOS"},
	{"linux", "Linux"},
}

// DeviceOS maps a raw user-agent string to a platform label.
// Matching is case-insensitive substring; unmatched agents are "Unknown".
func DeviceOS(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, sig := range osSignatures {
		if strings.Contains(ua, sig.needle) {
			return sig.label
		}
	}
	return "Unknown"
}

// BotMap maps lower-cased user-agent substrings to crawler labels.
// Keys keep insertion order so substring scans stay reproducible:
// put generic catch-alls like "bot" after specific keys like "googlebot".
type BotMap struct {
	keys   []string
	labels map[string]string
}

func NewBotMap() *BotMap {
	return &BotMap{labels: make(map[string]string)}
}

// Set registers a signature. Keys are lower-cased; re-setting an
// existing key updates its label without changing its position.
func (m *BotMap) Set(key, label string) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || label == "" {
		return
	}
	if _, ok := m.labels[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.labels[key] = label
}

func (m *BotMap) Len() int {
	return len(m.keys)
}

// Label scans the registered signatures in insertion order and returns
// the label of the first one contained in the user agent, or "".
func (m *BotMap) Label(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, key := range m.keys {
		if strings.Contains(ua, key) {
			return m.labels[key]
		}
	}
	return ""
}

// Labels returns a copy of the signature-to-label mapping.
func (m *BotMap) Labels() map[string]string {
	out := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		out[k] = v
	}
	return out
}
