package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/naviya/webclient/internal/session"
)

const (
	pathLogin              = "/api/auth/login"
	pathRegister           = "/api/auth/register"
	pathLogout             = "/api/auth/logout"
	pathOnboardingStatus   = "/api/onboarding/status"
	pathOnboardingSave     = "/api/onboarding/save"
	pathOnboardingComplete = "/api/onboarding/complete"
	pathDashboardState     = "/api/dashboard/state/"
	pathMentorMessages     = "/api/mentor/messages/"
	pathResumeUpload       = "/api/resume/upload"
)

// Login exchanges credentials for a session. Storing it is the caller's job.
func (c *Client) Login(ctx context.Context, email, password string) (session.Session, error) {
	return c.authenticate(ctx, pathLogin, map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and returns its session.
func (c *Client) Register(ctx context.Context, name, email, password string) (session.Session, error) {
	return c.authenticate(ctx, pathRegister, map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
}

func (c *Client) authenticate(ctx context.Context, path string, body map[string]string) (session.Session, error) {
	resp, err := c.Request(ctx, path, Options{
		Method: http.MethodPost,
		// Credentials flow never carries a stale bearer.
		Header: http.Header{"Authorization": {""}},
		Body:   JSONBody{Value: body},
	})
	if err != nil {
		return session.Session{}, err
	}
	var out AuthResponse
	if err := resp.JSON(&out); err != nil {
		return session.Session{}, err
	}
	return out.toSession(path)
}

// Logout revokes the current session on the backend.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Request(ctx, pathLogout, Options{Method: http.MethodPost})
	return err
}

// OnboardingStatusPath builds the status URL path for userID.
func OnboardingStatusPath(userID string) string {
	return pathOnboardingStatus + "?" + url.Values{"user_id": {userID}}.Encode()
}

// SaveOnboarding stores a partial onboarding form.
func (c *Client) SaveOnboarding(ctx context.Context, form OnboardingForm) error {
	return c.postOnboarding(ctx, pathOnboardingSave, form)
}

// CompleteOnboarding submits the final form.
func (c *Client) CompleteOnboarding(ctx context.Context, form OnboardingForm) error {
	return c.postOnboarding(ctx, pathOnboardingComplete, form)
}

func (c *Client) postOnboarding(ctx context.Context, path string, form OnboardingForm) error {
	if err := form.Validate(); err != nil {
		return err
	}
	if form.UserID == "" && c.sessions != nil {
		if s := c.sessions.Get(); s != nil {
			form.UserID = s.User.ID
		}
	}
	_, err := c.Request(ctx, path, Options{Method: http.MethodPost, Body: JSONBody{Value: form}})
	return err
}

// DashboardState fetches the dashboard snapshot for userID.
func (c *Client) DashboardState(ctx context.Context, userID string) (*DashboardState, error) {
	resp, err := c.Request(ctx, pathDashboardState+url.PathEscape(userID), Options{})
	if err != nil {
		return nil, err
	}
	var st *DashboardState
	if err := resp.JSON(&st); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, &ParseError{Path: resp.path, Err: errors.New("null dashboard state")}
	}
	return st, nil
}

// MentorMessages fetches the mentor queue for userID.
func (c *Client) MentorMessages(ctx context.Context, userID string) ([]MentorMessage, error) {
	resp, err := c.Request(ctx, pathMentorMessages+url.PathEscape(userID), Options{})
	if err != nil {
		return nil, err
	}
	var msgs []MentorMessage
	if err := resp.JSON(&msgs); err != nil {
		// Some deployments wrap the list.
		var wrapped struct {
			Messages []MentorMessage `json:"messages"`
		}
		if werr := resp.JSON(&wrapped); werr != nil {
			return nil, err
		}
		msgs = wrapped.Messages
	}
	if msgs == nil {
		msgs = []MentorMessage{}
	}
	return msgs, nil
}

// UploadResume sends a PDF as multipart form data with fields file and
// user_id.
func (c *Client) UploadResume(ctx context.Context, userID, filename string, pdf []byte) (*ResumeUpload, error) {
	if userID == "" {
		return nil, fmt.Errorf("uploading resume: user id is required")
	}
	resp, err := c.Request(ctx, pathResumeUpload, Options{
		Method: http.MethodPost,
		Body: &MultipartBody{
			Fields: map[string]string{"user_id": userID},
			Files:  []File{{Field: "file", Name: filename, ContentType: "application/pdf", Data: pdf}},
		},
	})
	if err != nil {
		return nil, err
	}
	var out ResumeUpload
	if len(resp.Body) > 0 {
		if err := resp.JSON(&out); err != nil {
			return nil, err
		}
	}
	return &out, nil
}
