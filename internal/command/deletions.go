package command

import (
	"time"

	"github.com/spf13/cobra"

	"nostr-video/internal/types"
)

// NewDeletionsCmd creates the deletions command.
func NewDeletionsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deletions [event-id|coordinate...]",
		Short: "Collect deletion requests and look up targets",
		Long:  "Backfill stored deletion requests, optionally listen for live ones, then report whether each argument has been deleted by its author.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := loadSession(cmd, open)
			if err != nil {
				return err
			}
			defer s.Close()

			since, _ := cmd.Flags().GetDuration("since")
			listen, _ := cmd.Flags().GetDuration("for")
			ctx := cmd.Context()

			var from int64
			if since > 0 {
				from = time.Now().Add(-since).Unix()
			}
			if _, err := s.Deletions.Backfill(ctx, from); err != nil {
				return err
			}

			if listen > 0 {
				s.Deletions.Start()
				select {
				case <-ctx.Done():
				case <-time.After(listen):
				}
				s.Deletions.Stop()
			}

			type result struct {
				Target  string                `json:"target"`
				Deleted bool                  `json:"deleted"`
				Record  *types.DeletionRecord `json:"record,omitempty"`
			}
			results := make([]result, 0, len(args))
			for _, target := range args {
				r := result{Target: target}
				if rec, ok := s.Deletions.Lookup(target); ok {
					r.Deleted = true
					r.Record = &rec
				}
				results = append(results, r)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]any{
					"known":   s.Deletions.Count(),
					"targets": results,
				})
			}
			printf(cmd, "%d deleted targets known\n", s.Deletions.Count())
			for _, r := range results {
				if !r.Deleted {
					printf(cmd, "%s  not deleted\n", r.Target)
					continue
				}
				line := "deleted " + formatTime(r.Record.Timestamp)
				if r.Record.Reason != "" {
					line += ": " + r.Record.Reason
				}
				printf(cmd, "%s  %s\n", r.Target, line)
			}
			return nil
		},
	}
	cmd.Flags().Duration("since", 0, "only backfill deletions newer than this (0 means all)")
	cmd.Flags().Duration("for", 0, "keep a live subscription open this long before reporting")
	return cmd
}
