package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/foreman/internal/auth"
	"github.com/thruflo/foreman/internal/config"
)

var (
	initForce   bool
	initNoToken bool
	initPrompt  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Writes foreman.yaml (or the path given by --config) with default limits,
agent settings and stage tool lists.

An API token is generated and printed once; only its argon2id hash is
stored in the config. Use --prompt to type your own token instead, or
--no-token to leave the API unauthenticated.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
	initCmd.Flags().BoolVar(&initNoToken, "no-token", false, "do not configure an API token")
	initCmd.Flags().BoolVar(&initPrompt, "prompt", false, "read the API token from the terminal")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(configPath); err == nil {
		if !initForce {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
		}
		if err := os.Remove(configPath); err != nil {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}
	if err := config.WriteDefault(configPath); err != nil {
		return err
	}

	if initNoToken {
		fmt.Fprintf(out, "Wrote %s (API authentication disabled)\n", configPath)
		return nil
	}

	var (
		token string
		err   error
	)
	if initPrompt {
		if !auth.IsTerminal() {
			return fmt.Errorf("--prompt requires a terminal")
		}
		token, err = auth.PromptToken(out)
	} else {
		token, err = auth.GenerateToken()
	}
	if err != nil {
		return err
	}
	hash, err := auth.Hash(token)
	if err != nil {
		return err
	}
	if err := setTokenHash(configPath, hash); err != nil {
		return err
	}

	fmt.Fprintf(out, "Wrote %s\n", configPath)
	if !initPrompt {
		fmt.Fprintf(out, "API token (shown once): %s\n", token)
	}
	return nil
}

// setTokenHash rewrites the config file with server.token_hash set.
func setTokenHash(path, hash string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Server.TokenHash = hash
	data, err = yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
