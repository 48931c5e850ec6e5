package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/session"
)

var (
	pauseQueue    bool
	pauseFront    bool
	pausePosition int
	resumeFront   bool
)

var answerCmd = &cobra.Command{
	Use:   "answer <session-id> <decision-id> <answer>",
	Short: "Answer a pending decision",
	Long: `Records an answer to a decision raised by the agent. Once every pending
decision of the session is answered, the session continues its stage.`,
	Args: cobra.ExactArgs(3),
	RunE: runAnswer,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause an active session",
	Long: `Pauses an active session so the next queued session of its project can
start. With --queue the session goes back into the queue instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused, failed or queued session",
	Long: `Resumes a session at the stage it stopped in. If its project already has
an active session, a paused or failed session is queued instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	pauseCmd.Flags().BoolVar(&pauseQueue, "queue", false, "return the session to its project queue")
	pauseCmd.Flags().BoolVar(&pauseFront, "front", false, "with --queue, queue at the front")
	pauseCmd.Flags().IntVar(&pausePosition, "position", 0, "with --queue, queue at this 1-based position")
	resumeCmd.Flags().BoolVar(&resumeFront, "front", false, "if queued, queue at the front")
	for _, c := range []*cobra.Command{answerCmd, pauseCmd, resumeCmd} {
		addClientFlags(c)
		rootCmd.AddCommand(c)
	}
}

func sessionPath(id string) string {
	return "/api/sessions/" + url.PathEscape(id)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var d session.Decision
	path := sessionPath(args[0]) + "/decisions/" + url.PathEscape(args[1])
	if err := client.do(cmd.Context(), http.MethodPost, path, map[string]string{"answer": args[2]}, &d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Answered %q\n", d.Question)
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var s session.Session
	body := map[string]any{
		"queue":  pauseQueue,
		"insert": insertPolicy(pauseFront, pausePosition),
	}
	if err := client.do(cmd.Context(), http.MethodPost, sessionPath(args[0])+"/pause", body, &s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", s.ID, s.Status)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var s session.Session
	body := map[string]any{"insert": insertPolicy(resumeFront, 0)}
	if err := client.do(cmd.Context(), http.MethodPost, sessionPath(args[0])+"/resume", body, &s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", s.ID, s.Status)
	return nil
}
