package router

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviya/webclient/internal/guard"
	"github.com/naviya/webclient/internal/onboarding"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		path    string
		leaf    string
		class   guard.Class
		params  map[string]string
		unknown bool
	}{
		{path: "/", leaf: "landing", class: guard.Public},
		{path: "/auth", leaf: "auth", class: guard.Public},
		{path: "/login/", leaf: "login", class: guard.Public},
		{path: "register", leaf: "register", class: guard.Public},
		{path: "/onboarding", leaf: "onboarding", class: guard.Onboarding},
		{path: "/career", leaf: "career", class: guard.Protected},
		{path: "/career/dashboard", leaf: "dashboard", class: guard.Protected},
		{path: "/career/roadmap?tab=2", leaf: "roadmap", class: guard.Protected},
		{path: "/career/jobs/42", leaf: "career", class: guard.Protected, params: map[string]string{"*": "jobs/42"}},
		{path: "/learn/p-1", leaf: "learn", class: guard.Protected, params: map[string]string{"planId": "p-1"}},
		{path: "/roadmap/p-9/confirm", leaf: "roadmap-confirm", class: guard.Protected, params: map[string]string{"planId": "p-9"}},
		{path: "/interests", leaf: "interests", class: guard.Protected},
		{path: "/results", leaf: "results", class: guard.Protected},
		{path: "/learn", unknown: true},
		{path: "/roadmap/p-9", unknown: true},
		{path: "/nope", unknown: true},
		{path: "/auth/extra", unknown: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, ok := Lookup(tt.path)
			if tt.unknown {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.leaf, m.Route.Leaf)
			assert.Equal(t, tt.class, m.Route.Class)
			if diff := cmp.Diff(tt.params, m.Params); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClean(t *testing.T) {
	assert.Equal(t, "/career/dashboard", Clean("career/dashboard/"))
	assert.Equal(t, "/", Clean(""))
	assert.Equal(t, "/auth", Clean("/x/../auth?next=/career"))
}

func TestProtectedRoutesRenderInsideDashboard(t *testing.T) {
	for _, r := range Table {
		assert.Equal(t, r.Class == guard.Protected, r.Dashboard, r.Pattern)
	}
}

// Every redirect target is itself a route, and the decision for the state
// that caused the redirect is render there.
func TestRedirectTargetsRender(t *testing.T) {
	statuses := []onboarding.Status{
		onboarding.Unknown,
		{Known: true},
		{Known: true, Exists: true},
		{Known: true, Exists: true, Completed: true},
	}
	for _, r := range Table {
		for _, signedIn := range []bool{false, true} {
			for _, st := range statuses {
				d := guard.Decide(r.Class, signedIn, st)
				if d.Kind != guard.Redirect {
					continue
				}
				m, ok := Lookup(d.Location)
				require.True(t, ok, "redirect target %s is not routed", d.Location)
				next := guard.Decide(m.Route.Class, signedIn, st)
				assert.Equal(t, guard.Render, next.Kind, "%s -> %s (signed in %v, %s)", r.Pattern, d.Location, signedIn, st)
			}
		}
	}
}
