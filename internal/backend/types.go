package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/naviya/webclient/internal/session"
)

// AuthResponse is returned by login and register.
type AuthResponse struct {
	User    session.User `json:"user"`
	Session AuthTokens   `json:"session"`
}

type AuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// toSession converts the response, rejecting one that lacks any part.
func (a AuthResponse) toSession(path string) (session.Session, error) {
	s := session.Session{
		User:         a.User,
		AccessToken:  a.Session.AccessToken,
		RefreshToken: a.Session.RefreshToken,
	}
	if !s.Complete() {
		return session.Session{}, &ParseError{Path: path, Err: fmt.Errorf("response lacks user.id or session tokens")}
	}
	return s, nil
}

// OnboardingForm is the body of onboarding save and complete.
type OnboardingForm struct {
	UserID            string `json:"user_id,omitempty"`
	SelectedDomain    string `json:"selected_domain"`
	EducationLevel    string `json:"education_level"`
	SelfAssessedLevel string `json:"self_assessed_level"`
	WeeklyHours       int    `json:"weekly_hours"`
	PrimaryBlocker    string `json:"primary_blocker"`
	CareerGoalRaw     string `json:"career_goal_raw,omitempty"`
	CurrentStage      string `json:"current_stage,omitempty"`
}

// Validate applies the session-level checks; field-level form validation
// belongs to the view.
func (f OnboardingForm) Validate() error {
	var missing []string
	for _, r := range []struct{ name, value string }{
		{"selected_domain", f.SelectedDomain},
		{"education_level", f.EducationLevel},
		{"self_assessed_level", f.SelfAssessedLevel},
		{"primary_blocker", f.PrimaryBlocker},
	} {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidOnboarding, strings.Join(missing, ", "))
	}
	if f.WeeklyHours <= 0 {
		return fmt.Errorf("%w: weekly_hours must be positive, got %d", ErrInvalidOnboarding, f.WeeklyHours)
	}
	return nil
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type AgentTask struct {
	ID        string     `json:"id"`
	AgentName string     `json:"agent_name"`
	TaskType  string     `json:"task_type"`
	Status    TaskStatus `json:"status"`
}

// DashboardState is the per-user snapshot from /api/dashboard/state.
type DashboardState struct {
	ResumeReady        bool           `json:"resume_ready"`
	UnlockedFeatures   []string       `json:"unlockedFeatures"`
	IsSettingUp        bool           `json:"is_setting_up"`
	UserContext        map[string]any `json:"user_context"`
	LastUpdatedByAgent string         `json:"last_updated_by_agent,omitempty"`
	AgentTasks         []AgentTask    `json:"agent_tasks"`
}

// Unlocked reports whether key is in UnlockedFeatures.
func (s *DashboardState) Unlocked(key string) bool {
	for _, f := range s.UnlockedFeatures {
		if f == key {
			return true
		}
	}
	return false
}

// ActiveTasks returns tasks that are pending or running.
func (s *DashboardState) ActiveTasks() []AgentTask {
	var out []AgentTask
	for _, t := range s.AgentTasks {
		if t.Status == TaskPending || t.Status == TaskRunning {
			out = append(out, t)
		}
	}
	return out
}

// MentorMessage is one entry of the mentor queue.
type MentorMessage struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name,omitempty"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ResumeUpload is the backend's acknowledgement of an uploaded resume.
type ResumeUpload struct {
	ResumeID string `json:"resume_id"`
	Status   string `json:"status"`
}
