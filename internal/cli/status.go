package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/session"
	"github.com/thruflo/foreman/internal/store"
)

// SessionReader abstracts session storage for testability.
type SessionReader interface {
	List() []*session.Session
	Get(id string) (*session.Session, error)
	GetPlan(ctx context.Context, id string) (*session.Plan, error)
	PendingDecisions(ctx context.Context, id string) ([]*session.Decision, error)
}

// statusReader is the session reader used by the status command.
// It can be overridden in tests.
var statusReader SessionReader

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session status",
	Long: `Shows the status of foreman sessions, read directly from the store.

Without arguments, lists all sessions with their project, stage, status and
step progress. With a session id, shows the plan and pending decisions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusProject, "project", "p", "", "only list sessions of this project")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	reader := statusReader
	if reader == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()
		reg, err := session.NewRegistry(cmd.Context(), st, session.Options{})
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		reader = reg
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listSessions(cmd.Context(), out, reader, statusProject)
	}
	return showSession(cmd.Context(), out, reader, args[0])
}

func listSessions(ctx context.Context, out io.Writer, reader SessionReader, project string) error {
	var sessions []*session.Session
	for _, s := range reader.List() {
		if project == "" || s.ProjectID == project {
			sessions = append(sessions, s)
		}
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tTITLE\tSTAGE\tSTATUS\tQUEUE\tSTEPS\tUPDATED")
	for _, s := range sessions {
		queue := "-"
		if s.QueuePosition != nil {
			queue = fmt.Sprint(*s.QueuePosition)
		}
		steps := "-"
		if plan, err := reader.GetPlan(ctx, s.ID); err == nil && plan != nil && len(plan.Steps) > 0 {
			steps = fmt.Sprintf("%d/%d", plan.CompletedCount(), len(plan.Steps))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.ProjectID, truncate(s.Title, 40), s.Stage, s.Status, queue, steps, formatAge(s.LastActionAt))
	}
	return w.Flush()
}

func showSession(ctx context.Context, out io.Writer, reader SessionReader, id string) error {
	s, err := findSession(reader, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Session:  %s\n", s.ID)
	fmt.Fprintf(out, "Project:  %s\n", s.ProjectID)
	fmt.Fprintf(out, "Title:    %s\n", s.Title)
	fmt.Fprintf(out, "Stage:    %s\n", s.Stage)
	fmt.Fprintf(out, "Status:   %s\n", s.Status)
	if s.Branch != "" {
		fmt.Fprintf(out, "Branch:   %s\n", s.Branch)
	}
	if s.PRURL != "" {
		fmt.Fprintf(out, "PR:       #%d %s\n", s.PRNumber, s.PRURL)
	}
	fmt.Fprintf(out, "Agent:    %d invocations, $%.2f\n", s.InvocationCount, s.TotalCostUSD)
	if s.LastError != "" {
		fmt.Fprintf(out, "Error:    %s\n", s.LastError)
	}

	plan, err := reader.GetPlan(ctx, s.ID)
	if err != nil {
		return err
	}
	if plan != nil && len(plan.Steps) > 0 {
		approved := "not approved"
		if plan.Approved {
			approved = "approved"
		}
		fmt.Fprintf(out, "\nPlan v%d (%s, %d reviews):\n", plan.Version, approved, plan.ReviewCount)
		for _, step := range plan.Steps {
			fmt.Fprintf(out, "  %s %-8s %s\n", stepIcon(step.Status), step.ID, step.Title)
		}
	}

	pending, err := reader.PendingDecisions(ctx, s.ID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Fprintf(out, "\nPending decisions:\n")
		for _, d := range pending {
			fmt.Fprintf(out, "  [%s] %s\n", d.ID, d.Question)
			for _, o := range d.Options {
				marker := " "
				if o.Recommended {
					marker = "*"
				}
				fmt.Fprintf(out, "     %s %s\n", marker, o.Label)
			}
		}
	}
	return nil
}

// findSession accepts a full id or a unique prefix.
func findSession(reader SessionReader, id string) (*session.Session, error) {
	if s, err := reader.Get(id); err == nil {
		return s, nil
	}
	var match *session.Session
	for _, s := range reader.List() {
		if strings.HasPrefix(s.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("session id prefix %q is ambiguous", id)
			}
			match = s
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return match, nil
}

func stepIcon(status session.StepStatus) string {
	switch status {
	case session.StepCompleted:
		return "[x]"
	case session.StepInProgress:
		return "[>]"
	case session.StepBlocked:
		return "[!]"
	case session.StepNeedsReview:
		return "[?]"
	case session.StepSkipped:
		return "[-]"
	}
	return "[ ]"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatAge returns a human-readable age string.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
