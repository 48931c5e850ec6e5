package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/marker"
)

var (
	parseNoSelfClosing bool
	parseNoHeadings    bool
)

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Extract structured markers from agent output",
	Long: `Reads agent output from a file (or stdin when no file or "-" is given) and
prints the decisions, plan steps, step completions and other markers it
contains as JSON. Useful for checking how a transcript will be interpreted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().BoolVar(&parseNoSelfClosing, "no-self-closing", false, "ignore step completion tags without a closing tag")
	parseCmd.Flags().BoolVar(&parseNoHeadings, "no-headings", false, "ignore plain \"Step N Complete\" headings")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	p := marker.NewParser(marker.Options{
		DisableSelfClosingFallback: parseNoSelfClosing,
		DisableHeadingFallback:     parseNoHeadings,
	})
	outcome := p.Parse(string(data))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}
