package feature

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/naviya/webclient/internal/backend"
)

func TestCanAccessRuleTable(t *testing.T) {
	notReady := &backend.DashboardState{UnlockedFeatures: []string{"jobs"}}
	ready := &backend.DashboardState{ResumeReady: true}

	tests := []struct {
		key      string
		notReady bool
		ready    bool
	}{
		{Resume, true, true},
		{Mentor, true, true},
		{Roadmap, false, true},
		{SkillAssessment, false, true},
		{MockInterview, false, true},
		{PPTExplainer, false, true},
		{"jobs", true, false},
		{"unknown_key", false, false},
	}
	for _, tt := range tests {
		if got := CanAccess(notReady, tt.key); got != tt.notReady {
			t.Errorf("CanAccess(notReady, %q) = %v, want %v", tt.key, got, tt.notReady)
		}
		if got := CanAccess(ready, tt.key); got != tt.ready {
			t.Errorf("CanAccess(ready, %q) = %v, want %v", tt.key, got, tt.ready)
		}
	}
}

func TestCanAccessNilStateDeniesEverything(t *testing.T) {
	for _, k := range append(Keys(), "jobs", "") {
		if CanAccess(nil, k) {
			t.Errorf("CanAccess(nil, %q) = true", k)
		}
	}
}

func TestResumeReadyFlipUnlocksRoadmap(t *testing.T) {
	st := &backend.DashboardState{}
	if CanAccess(st, Roadmap) {
		t.Fatal("roadmap unlocked before resume_ready")
	}
	st.ResumeReady = true
	if !CanAccess(st, Roadmap) {
		t.Fatal("roadmap locked after resume_ready")
	}
}

func TestUnlockMessage(t *testing.T) {
	if UnlockMessage(Roadmap) != resumeMessage {
		t.Errorf("UnlockMessage(roadmap) = %q", UnlockMessage(Roadmap))
	}
	if UnlockMessage("jobs") != defaultMessage {
		t.Errorf("UnlockMessage(jobs) = %q", UnlockMessage("jobs"))
	}
}

func TestSummary(t *testing.T) {
	got := Summary(&backend.DashboardState{UnlockedFeatures: []string{"jobs"}}, "jobs", Roadmap)
	want := []Access{
		{Key: Mentor, Allowed: true},
		{Key: MockInterview, Message: resumeMessage},
		{Key: PPTExplainer, Message: resumeMessage},
		{Key: Resume, Allowed: true},
		{Key: Roadmap, Message: resumeMessage},
		{Key: SkillAssessment, Message: resumeMessage},
		{Key: "jobs", Allowed: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
}
