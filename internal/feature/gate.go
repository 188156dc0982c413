// Package feature answers "can the user access X?" from dashboard state.
// The rules are a closed table; everything outside it is decided by the
// backend's unlocked feature list.
package feature

import (
	"sort"

	"github.com/naviya/webclient/internal/backend"
)

// Feature keys with a fixed rule.
const (
	Resume          = "resume"
	Roadmap         = "roadmap"
	SkillAssessment = "skill_assessment"
	MockInterview   = "mock_interview"
	PPTExplainer    = "ppt_explainer"
	Mentor          = "mentor"
)

type rule struct {
	// always unlocked when state is present
	always bool
	// unlocked by resume_ready
	needsResume bool
	message     string
}

const resumeMessage = "Upload your resume to unlock this feature."

var rules = map[string]rule{
	Resume:          {always: true},
	Mentor:          {always: true},
	Roadmap:         {needsResume: true, message: resumeMessage},
	SkillAssessment: {needsResume: true, message: resumeMessage},
	MockInterview:   {needsResume: true, message: resumeMessage},
	PPTExplainer:    {needsResume: true, message: resumeMessage},
}

const defaultMessage = "This feature unlocks as your career plan progresses."

// CanAccess applies the rule for key. A nil state (loading or degraded)
// denies every key.
func CanAccess(st *backend.DashboardState, key string) bool {
	if st == nil {
		return false
	}
	r, ok := rules[key]
	switch {
	case !ok:
		return st.Unlocked(key)
	case r.always:
		return true
	default:
		return st.ResumeReady
	}
}

// UnlockMessage is the fixed text shown for a locked key.
func UnlockMessage(key string) string {
	if r, ok := rules[key]; ok && r.message != "" {
		return r.message
	}
	return defaultMessage
}

// Keys lists the keys with a fixed rule, sorted.
func Keys() []string {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Access is one row of a feature summary.
type Access struct {
	Key     string `json:"key"`
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
}

// Summary evaluates the fixed keys plus extra against st.
func Summary(st *backend.DashboardState, extra ...string) []Access {
	seen := make(map[string]bool)
	var out []Access
	add := func(k string) {
		if seen[k] {
			return
		}
		seen[k] = true
		a := Access{Key: k, Allowed: CanAccess(st, k)}
		if !a.Allowed {
			a.Message = UnlockMessage(k)
		}
		out = append(out, a)
	}
	for _, k := range Keys() {
		add(k)
	}
	for _, k := range extra {
		add(k)
	}
	return out
}
