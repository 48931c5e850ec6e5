package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/recovery"
)

var (
	recoverDiscovery bool
	recoverDryRun    bool
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resume sessions left stuck by a crashed process",
	Long: `Scans persisted sessions for agent invocations that were started but never
finished, marks them interrupted and resumes each session, running it until
it waits for input or stops. Do not run this while "foreman serve" is using
the same store.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverDiscovery, "discovery", false, "also resume sessions stuck in discovery")
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false, "list stuck sessions without resuming them")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{includeDiscovery: recoverDiscovery})
	if err != nil {
		return err
	}
	defer rt.Close()

	var candidates []recovery.Candidate
	if recoverDryRun {
		candidates, err = rt.scanner.Scan(ctx)
	} else {
		candidates, err = rt.scanner.Recover(ctx)
	}
	if err != nil {
		return err
	}
	printCandidates(cmd, candidates, recoverDryRun)
	return nil
}

func printCandidates(cmd *cobra.Command, candidates []recovery.Candidate, dryRun bool) {
	out := cmd.OutOrStdout()
	if len(candidates) == 0 {
		fmt.Fprintln(out, "No stuck sessions found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tSTAGE\tLAST ACTION\tRESULT")
	for _, c := range candidates {
		result := "resumed"
		switch {
		case c.Skipped:
			result = "skipped: " + c.Reason
		case dryRun:
			result = "stuck"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.SessionID, c.ProjectID, c.Stage, c.LastActionAt.Format("2006-01-02 15:04:05"), result)
	}
	_ = w.Flush()
}
