package api

import (
	"time"

	"github.com/naviya/webclient/internal/backend"
	"github.com/naviya/webclient/internal/dashboard"
	"github.com/naviya/webclient/internal/feature"
	"github.com/naviya/webclient/internal/router"
	"github.com/naviya/webclient/internal/session"
)

// pageView is the JSON body of a rendered route. Tokens never appear in
// it.
type pageView struct {
	Path      string            `json:"path"`
	Route     string            `json:"route"`
	Class     string            `json:"class"`
	Leaf      string            `json:"leaf"`
	Params    map[string]string `json:"params,omitempty"`
	Session   *sessionView      `json:"session"`
	Dashboard *dashboardView    `json:"dashboard,omitempty"`
	Locked    bool              `json:"locked,omitempty"`
	Message   string            `json:"message,omitempty"`
}

type sessionView struct {
	UserID    string     `json:"user_id"`
	Name      string     `json:"name,omitempty"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type dashboardView struct {
	UserID           string                  `json:"user_id"`
	Phase            string                  `json:"phase"`
	Version          uint64                  `json:"version"`
	ResumeReady      bool                    `json:"resume_ready"`
	IsSettingUp      bool                    `json:"is_setting_up"`
	UnlockedFeatures []string                `json:"unlocked_features"`
	Features         []feature.Access        `json:"features"`
	ActiveTasks      []backend.AgentTask     `json:"active_tasks,omitempty"`
	Mentor           []backend.MentorMessage `json:"mentor,omitempty"`
	Error            string                  `json:"error,omitempty"`
	MentorError      string                  `json:"mentor_error,omitempty"`
}

func newPageView(res router.Result) pageView {
	r := res.Match.Route
	return pageView{
		Path:      res.Match.Path,
		Route:     r.Pattern,
		Class:     r.Class.String(),
		Leaf:      r.Leaf,
		Params:    res.Match.Params,
		Session:   newSessionView(res.Session),
		Dashboard: newDashboardViewPtr(res.Dashboard),
		Locked:    res.Locked,
		Message:   res.Message,
	}
}

func newSessionView(s *session.Session) *sessionView {
	if s == nil {
		return nil
	}
	v := &sessionView{UserID: s.User.ID, Name: s.User.Name, Email: s.User.Email}
	if info, err := s.AccessTokenInfo(); err == nil && !info.ExpiresAt.IsZero() {
		exp := info.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

func newDashboardViewPtr(s *dashboard.Snapshot) *dashboardView {
	if s == nil {
		return nil
	}
	v := newDashboardView(*s)
	return &v
}

func newDashboardView(s dashboard.Snapshot) dashboardView {
	v := dashboardView{
		UserID:           s.UserID,
		Phase:            s.Phase.String(),
		Version:          s.Version,
		UnlockedFeatures: s.UnlockedFeatures(),
		Mentor:           s.Mentor,
	}
	if v.UnlockedFeatures == nil {
		v.UnlockedFeatures = []string{}
	}
	if st := s.State; st != nil {
		v.ResumeReady = st.ResumeReady
		v.IsSettingUp = st.IsSettingUp
		v.ActiveTasks = st.ActiveTasks()
		v.Features = feature.Summary(st, st.UnlockedFeatures...)
	} else {
		v.Features = feature.Summary(nil)
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if s.MentorErr != nil {
		v.MentorError = s.MentorErr.Error()
	}
	return v
}
