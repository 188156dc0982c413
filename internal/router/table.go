// Package router declares the application's routes and navigates between
// them. Every route is rendered inside the guard for its class; protected
// routes additionally get the signed-in user's dashboard provider.
package router

import (
	"path"
	"strings"

	"github.com/naviya/webclient/internal/feature"
	"github.com/naviya/webclient/internal/guard"
)

// Route is one entry of the static route table. Pattern uses chi syntax:
// {name} matches one segment and a trailing /* matches the rest.
type Route struct {
	Pattern string
	Class   guard.Class
	Leaf    string
	// Feature, when set, is the feature key that unlocks the leaf.
	Feature string
	// Dashboard routes render inside the user's dashboard provider.
	Dashboard bool
}

// Table is the closed set of application routes, matched in order.
var Table = []Route{
	{Pattern: "/", Class: guard.Public, Leaf: "landing"},
	{Pattern: "/auth", Class: guard.Public, Leaf: "auth"},
	{Pattern: "/login", Class: guard.Public, Leaf: "login"},
	{Pattern: "/register", Class: guard.Public, Leaf: "register"},
	{Pattern: "/onboarding", Class: guard.Onboarding, Leaf: "onboarding"},

	{Pattern: "/career", Class: guard.Protected, Leaf: "career", Dashboard: true},
	{Pattern: "/career/dashboard", Class: guard.Protected, Leaf: "dashboard", Dashboard: true},
	{Pattern: "/career/resume", Class: guard.Protected, Leaf: "resume", Feature: feature.Resume, Dashboard: true},
	{Pattern: "/career/roadmap", Class: guard.Protected, Leaf: "roadmap", Feature: feature.Roadmap, Dashboard: true},
	{Pattern: "/career/skill-assessment", Class: guard.Protected, Leaf: "skill-assessment", Feature: feature.SkillAssessment, Dashboard: true},
	{Pattern: "/career/mock-interview", Class: guard.Protected, Leaf: "mock-interview", Feature: feature.MockInterview, Dashboard: true},
	{Pattern: "/career/ppt-explainer", Class: guard.Protected, Leaf: "ppt-explainer", Feature: feature.PPTExplainer, Dashboard: true},
	{Pattern: "/career/mentor", Class: guard.Protected, Leaf: "mentor", Feature: feature.Mentor, Dashboard: true},
	{Pattern: "/career/*", Class: guard.Protected, Leaf: "career", Dashboard: true},

	{Pattern: "/learn/{planId}", Class: guard.Protected, Leaf: "learn", Dashboard: true},
	{Pattern: "/roadmap/{planId}/confirm", Class: guard.Protected, Leaf: "roadmap-confirm", Dashboard: true},
	{Pattern: "/interests", Class: guard.Protected, Leaf: "interests", Dashboard: true},
	{Pattern: "/results", Class: guard.Protected, Leaf: "results", Dashboard: true},
}

// Match is a route matched against a concrete path.
type Match struct {
	Route  Route
	Path   string
	Params map[string]string
}

// Clean normalizes a request path: leading slash, no trailing slash, no dot
// segments.
func Clean(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Lookup returns the first table entry matching p. Unknown paths report
// false; callers send them to the root.
func Lookup(p string) (Match, bool) {
	p = Clean(p)
	for _, r := range Table {
		if params, ok := matchPattern(r.Pattern, p); ok {
			return Match{Route: r, Path: p, Params: params}, true
		}
	}
	return Match{Path: p}, false
}

func matchPattern(pattern, p string) (map[string]string, bool) {
	if pattern == "/" || p == "/" {
		return nil, pattern == p
	}
	pp := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	ps := strings.Split(strings.TrimPrefix(p, "/"), "/")

	var params map[string]string
	for i, seg := range pp {
		if seg == "*" && i == len(pp)-1 {
			if len(ps) < i+1 {
				return nil, false
			}
			if params == nil {
				params = map[string]string{}
			}
			params["*"] = strings.Join(ps[i:], "/")
			return params, true
		}
		if i >= len(ps) {
			return nil, false
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if ps[i] == "" {
				return nil, false
			}
			if params == nil {
				params = map[string]string{}
			}
			params[seg[1:len(seg)-1]] = ps[i]
			continue
		}
		if seg != ps[i] {
			return nil, false
		}
	}
	return params, len(ps) == len(pp)
}
