package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/foreman/internal/session"
)

var (
	submitProject     string
	submitTitle       string
	submitDescription string
	submitWorkDir     string
	submitBranch      string
	submitFeature     string
	submitFront       bool
	submitPosition    int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a feature request to a running server",
	Long: `Creates a session for a feature request. If the project has no active
session it starts discovery immediately; otherwise it joins the project
queue at the end, at the front (--front) or at --position.

The description may be read from a file with --description @path.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitProject, "project", "p", "", "project id (required)")
	submitCmd.Flags().StringVarP(&submitTitle, "title", "t", "", "feature title (required)")
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "feature description, or @file")
	submitCmd.Flags().StringVarP(&submitWorkDir, "workdir", "w", "", "repository checkout the agent works in (default: current directory)")
	submitCmd.Flags().StringVarP(&submitBranch, "branch", "b", "", "head branch for the pull request")
	submitCmd.Flags().StringVar(&submitFeature, "feature", "", "external feature id")
	submitCmd.Flags().BoolVar(&submitFront, "front", false, "queue at the front")
	submitCmd.Flags().IntVar(&submitPosition, "position", 0, "queue at this 1-based position")
	_ = submitCmd.MarkFlagRequired("project")
	_ = submitCmd.MarkFlagRequired("title")
	addClientFlags(submitCmd)
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	workDir := submitWorkDir
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		workDir = cwd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return err
	}

	description := submitDescription
	if len(description) > 1 && description[0] == '@' {
		data, err := os.ReadFile(description[1:])
		if err != nil {
			return fmt.Errorf("failed to read description: %w", err)
		}
		description = string(data)
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var s session.Session
	err = client.do(cmd.Context(), http.MethodPost, "/api/sessions", map[string]any{
		"project_id":  submitProject,
		"feature_id":  submitFeature,
		"title":       submitTitle,
		"description": description,
		"work_dir":    workDir,
		"branch":      submitBranch,
		"insert":      insertPolicy(submitFront, submitPosition),
	}, &s)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if s.QueuePosition != nil {
		fmt.Fprintf(out, "Queued session %s at position %d in %s\n", s.ID, *s.QueuePosition, s.ProjectID)
	} else {
		fmt.Fprintf(out, "Started session %s (%s)\n", s.ID, s.Stage)
	}
	return nil
}

func insertPolicy(front bool, position int) session.InsertPolicy {
	switch {
	case front:
		return session.InsertPolicy{Mode: session.InsertFront}
	case position > 0:
		return session.InsertPolicy{Mode: session.InsertPosition, Position: position}
	}
	return session.InsertPolicy{Mode: session.InsertEnd}
}
