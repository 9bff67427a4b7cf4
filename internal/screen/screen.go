package screen

import "strings"

// Status enumerates a screen's lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusHardening Status = "hardening"
	StatusSkipped   Status = "skipped"
	StatusHardened  Status = "hardened"
	StatusVerifying Status = "verifying"
	StatusVerified  Status = "verified"
	StatusError     Status = "error"
)

// ActionSkip exempts a screen from hardening and verification.
const ActionSkip = "skip"

// Decision is the human-submitted verdict for a screen. Fields beyond
// "action" are opaque and pass through to the hardening prompt untouched.
type Decision map[string]any

// Action returns the decision's action discriminator.
func (d Decision) Action() string {
	if d == nil {
		return ""
	}
	if action, ok := d["action"].(string); ok {
		return strings.TrimSpace(action)
	}
	return ""
}

// Skip reports whether the decision exempts the screen from hardening.
func (d Decision) Skip() bool {
	return d.Action() == ActionSkip
}

// Screen is one discovered source artifact subject to analysis, hardening,
// and verification. All mutation happens under the pipeline's lock.
type Screen struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	FullPath string `json:"full_path"`
	Status   Status `json:"status"`

	Analysis     map[string]any `json:"analysis"`
	Decision     Decision       `json:"decision"`
	Hardened     map[string]any `json:"hardened"`
	Verification map[string]any `json:"verification"`
	Error        string         `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to observers outside the lock.
func (s *Screen) Clone() *Screen {
	if s == nil {
		return nil
	}
	out := *s
	out.Analysis = cloneValue(s.Analysis).(map[string]any)
	out.Hardened = cloneValue(s.Hardened).(map[string]any)
	out.Verification = cloneValue(s.Verification).(map[string]any)
	if s.Decision != nil {
		out.Decision = Decision(cloneValue(map[string]any(s.Decision)).(map[string]any))
	}
	return &out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return (map[string]any)(nil)
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
