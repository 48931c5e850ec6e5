package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/session"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and reorder a project queue on a running server",
}

var queueListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List queued sessions in order",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueList,
}

var queueReorderCmd = &cobra.Command{
	Use:   "reorder <project> <session-id>...",
	Short: "Move sessions to the front of the queue",
	Long: `Moves the given sessions to the front of the project queue in the given
order. Sessions not named keep their relative order behind them.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runQueueReorder,
}

func init() {
	addClientFlags(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueReorderCmd)
	rootCmd.AddCommand(queueCmd)
}

func queuePath(project string) string {
	return "/api/projects/" + url.PathEscape(project) + "/queue"
}

func runQueueList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var queue []*session.Session
	if err := client.do(cmd.Context(), http.MethodGet, queuePath(args[0]), nil, &queue); err != nil {
		return err
	}
	return printQueue(cmd.OutOrStdout(), queue)
}

func runQueueReorder(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var queue []*session.Session
	body := map[string][]string{"ids": args[1:]}
	if err := client.do(cmd.Context(), http.MethodPut, queuePath(args[0]), body, &queue); err != nil {
		return err
	}
	return printQueue(cmd.OutOrStdout(), queue)
}

func printQueue(out io.Writer, queue []*session.Session) error {
	if len(queue) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tID\tTITLE\tRESUMES AT")
	for _, s := range queue {
		pos := "-"
		if s.QueuePosition != nil {
			pos = fmt.Sprint(*s.QueuePosition)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pos, s.ID, truncate(s.Title, 40), s.ResumeStage)
	}
	return w.Flush()
}
