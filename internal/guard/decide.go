// Package guard decides, for each navigation, whether a route renders or
// redirects. Decide is the pure decision table; Guard wraps it in the
// resolving/decided state machine that tracks session changes.
package guard

import (
	"fmt"

	"github.com/naviya/webclient/internal/onboarding"
)

// Redirect targets.
const (
	RootPath       = "/"
	AuthPath       = "/auth"
	OnboardingPath = "/onboarding"
	DashboardPath  = "/career/dashboard"
)

// Class is a route's access class.
type Class int

const (
	// Universal routes have no guard.
	Universal Class = iota
	// Public routes send signed-in users onward.
	Public
	// Onboarding routes need a session and an unfinished onboarding.
	Onboarding
	// Protected routes need a session and a finished onboarding.
	Protected
)

func (c Class) String() string {
	switch c {
	case Universal:
		return "universal"
	case Public:
		return "public"
	case Onboarding:
		return "onboarding"
	case Protected:
		return "protected"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

type Kind int

const (
	// Wait means the decision depends on a pending onboarding resolution.
	// Nothing of the route may be shown.
	Wait Kind = iota
	Render
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Wait:
		return "wait"
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Decision struct {
	Kind     Kind
	Location string // set for Redirect
}

func (d Decision) String() string {
	if d.Kind == Redirect {
		return "redirect " + d.Location
	}
	return d.Kind.String()
}

var (
	render = Decision{Kind: Render}
	wait   = Decision{Kind: Wait}
)

func redirect(to string) Decision { return Decision{Kind: Redirect, Location: to} }

// Decide evaluates the decision table. An unknown onboarding status counts
// as not completed.
func Decide(class Class, signedIn bool, st onboarding.Status) Decision {
	switch class {
	case Public:
		switch {
		case !signedIn:
			return render
		case st.Done():
			return redirect(DashboardPath)
		default:
			return redirect(OnboardingPath)
		}
	case Onboarding:
		switch {
		case !signedIn:
			return redirect(AuthPath)
		case st.Done():
			return redirect(DashboardPath)
		default:
			return render
		}
	case Protected:
		switch {
		case !signedIn:
			return redirect(AuthPath)
		case !st.Done():
			return redirect(OnboardingPath)
		default:
			return render
		}
	default:
		return render
	}
}

// needsOnboarding reports whether the decision for class depends on the
// onboarding status when signed in.
func needsOnboarding(class Class, signedIn bool) bool {
	return signedIn && class != Universal
}

// ClassOf returns the class of the fixed redirect targets.
func ClassOf(path string) (Class, bool) {
	switch path {
	case RootPath, AuthPath:
		return Public, true
	case OnboardingPath:
		return Onboarding, true
	case DashboardPath:
		return Protected, true
	}
	return Universal, false
}
