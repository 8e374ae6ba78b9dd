package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/waypoint/pkg/waypoint/checkpoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print a stored session and its checkpoint history",
	Long: `Read a session straight from the configured store and print it as JSON,
with the checkpoint it would recover from. Works against sqlite and file
stores while the server is stopped or running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		logger, err := newLogger(s)
		if err != nil {
			return err
		}
		repo, err := openRepository(s, repository.Config{Logger: logger})
		if err != nil {
			return err
		}
		defer repo.Close()

		ctx := cmd.Context()
		id := args[0]
		sess, found, err := repo.Find(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("session %s: %w", id, repository.ErrSessionNotFound)
		}
		history, err := repo.ListCheckpoints(ctx, id)
		if err != nil {
			return err
		}

		out := struct {
			Session     any    `json:"session"`
			Checkpoints any    `json:"checkpoints"`
			ResumeFrom  string `json:"resumeFrom,omitempty"`
			ResumeAgent string `json:"resumeAgent,omitempty"`
		}{Session: sess, Checkpoints: history}
		if cp, next, err := checkpoint.ResumePoint(sess); err == nil {
			out.ResumeFrom, out.ResumeAgent = cp.ID, string(next)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
