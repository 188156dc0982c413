package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/naviya/webclient/internal/config"
	"github.com/naviya/webclient/internal/dashboard"
	"github.com/naviya/webclient/internal/feature"
	"github.com/naviya/webclient/internal/guard"
	"github.com/naviya/webclient/internal/resume"
	"github.com/naviya/webclient/internal/session"
	"github.com/naviya/webclient/internal/storage"
)

var errNotSignedIn = errors.New("not signed in")

const settleTimeout = 10 * time.Second

// withApp runs fn against a freshly wired tab. Each invocation is its own
// origin on the shared session store.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if strings.EqualFold(level, "info") {
		level = "warn"
	}
	setupLogging(level, stderr)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.sessions.Degraded(); err != nil {
		printWarning("session will not be remembered: %v", err)
	}
	return fn(ctx, a)
}

// --- login / register / logout ---

var (
	authEmail     string
	authName      string
	passwordStdin bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and remember the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := promptCredentials(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.auth.Login(ctx, email, password)
			if err != nil {
				return err
			}
			printSuccess("Signed in as %s", displayName(sess.User))
			reportLanding(ctx, a)
			return nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := promptCredentials(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sess, err := a.auth.Register(ctx, authName, email, password)
			if err != nil {
				return err
			}
			printSuccess("Registered %s", displayName(sess.User))
			reportLanding(ctx, a)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out everywhere on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.sessions.Get() == nil {
				printWarning("Already signed out")
				return nil
			}
			if err := a.auth.Logout(ctx); err != nil {
				if a.sessions.Get() != nil {
					return err
				}
				printWarning("backend logout failed: %v", err)
			}
			printSuccess("Signed out")
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVar(&authEmail, "email", "", "account email")
		c.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	}
	registerCmd.Flags().StringVar(&authName, "name", "", "display name")
}

func promptCredentials(cmd *cobra.Command) (email, password string, err error) {
	in := bufio.NewReader(cmd.InOrStdin())
	email = strings.TrimSpace(authEmail)
	if email == "" {
		fmt.Fprint(stderr, "Email: ")
		if email, err = readLine(in); err != nil {
			return "", "", fmt.Errorf("reading email: %w", err)
		}
	}

	fd := int(os.Stdin.Fd())
	if !passwordStdin && cmd.InOrStdin() == os.Stdin && term.IsTerminal(fd) {
		fmt.Fprint(stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(stderr)
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		return email, string(b), nil
	}
	if password, err = readLine(in); err != nil {
		return "", "", fmt.Errorf("reading password: %w", err)
	}
	return email, password, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func displayName(u session.User) string {
	switch {
	case u.Name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}

func reportLanding(ctx context.Context, a *app) {
	_, trail, err := a.nav.Follow(ctx, guard.AuthPath)
	if err != nil {
		printWarning("could not resolve landing page: %v", err)
		return
	}
	printStep("Landing page: %s", trail[len(trail)-1])
}

// --- whoami ---

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			s := a.sessions.Get()
			if s == nil {
				return errNotSignedIn
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", displayName(s.User))
			fmt.Fprintf(out, "  user id: %s\n", s.User.ID)
			if info, err := s.AccessTokenInfo(); err == nil && !info.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "  token expires: %s\n", info.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		})
	},
}

// describeStoredSession reports the session another origin left in d.
func describeStoredSession(ctx context.Context, d storage.Durable) string {
	s := session.New(ctx, d, slog.New(slog.DiscardHandler)).Get()
	if s == nil {
		return "signed out"
	}
	return "signed in as " + displayName(s.User)
}

// --- navigate ---

var navigateJSON bool

type navigateOutput struct {
	Trail     []string          `json:"trail"`
	Route     string            `json:"route"`
	Leaf      string            `json:"leaf"`
	Params    map[string]string `json:"params,omitempty"`
	Locked    bool              `json:"locked,omitempty"`
	Message   string            `json:"message,omitempty"`
	Dashboard string            `json:"dashboard,omitempty"`
	Unlocked  []string          `json:"unlocked_features,omitempty"`
}

var navigateCmd = &cobra.Command{
	Use:   "navigate <path>",
	Short: "Resolve where a path lands for the current session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, trail, err := a.nav.Follow(ctx, args[0])
			if err != nil {
				return err
			}
			o := navigateOutput{
				Trail:   trail,
				Route:   res.Match.Route.Pattern,
				Leaf:    res.Match.Route.Leaf,
				Params:  res.Match.Params,
				Locked:  res.Locked,
				Message: res.Message,
			}
			if res.Dashboard != nil {
				o.Dashboard = res.Dashboard.Phase.String()
				o.Unlocked = res.Dashboard.UnlockedFeatures()
			}

			out := cmd.OutOrStdout()
			if navigateJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(o)
			}
			fmt.Fprintln(out, strings.Join(trail, " → "))
			fmt.Fprintf(out, "  renders: %s\n", o.Leaf)
			if o.Dashboard != "" {
				fmt.Fprintf(out, "  dashboard: %s\n", o.Dashboard)
			}
			if o.Locked {
				printWarning("%s", o.Message)
			}
			return nil
		})
	},
}

func init() {
	navigateCmd.Flags().BoolVar(&navigateJSON, "json", false, "print the result as JSON")
}

// --- can-access ---

var canAccessCmd = &cobra.Command{
	Use:   "can-access <feature>",
	Short: "Check whether a dashboard feature is unlocked",
	Long: fmt.Sprintf(`Check whether a dashboard feature is unlocked for the signed-in user.

Known features: %s`, strings.Join(feature.Keys(), ", ")),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		return withApp(cmd, func(ctx context.Context, a *app) error {
			snap, err := settledDashboard(ctx, a)
			if err != nil {
				return err
			}
			if snap.Phase == dashboard.Degraded {
				printWarning("dashboard unavailable: %v", snap.Err)
			}
			if snap.CanAccess(key) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unlocked\n", key)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: locked\n", key)
			printStep("%s", feature.UnlockMessage(key))
			return nil
		})
	},
}

func settledDashboard(ctx context.Context, a *app) (dashboard.Snapshot, error) {
	p, err := a.scope.Acquire()
	if errors.Is(err, dashboard.ErrSignedOut) {
		return dashboard.Snapshot{}, errNotSignedIn
	}
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	return p.Settled(ctx)
}

// --- resume ---

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Manage the resume that unlocks career features",
}

var resumeUploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a PDF resume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading resume: %w", err)
		}
		info, err := resume.Inspect(data)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			s := a.sessions.Get()
			if s == nil {
				return errNotSignedIn
			}
			printStep("Uploading %s (%d pages)", filepath.Base(path), info.Pages)
			ack, err := a.client.UploadResume(ctx, s.User.ID, filepath.Base(path), data)
			if err != nil {
				return err
			}
			printSuccess("Resume %s accepted (%s)", ack.ResumeID, ack.Status)

			// The provider mounts after the upload, so its first fetch
			// already sees the resume.
			snap, err := settledDashboard(ctx, a)
			if err == nil && snap.CanAccess(feature.Roadmap) {
				printStep("Career features unlocked")
			}
			return nil
		})
	},
}

func init() {
	resumeCmd.AddCommand(resumeUploadCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
