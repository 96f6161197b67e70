package command

import (
	"context"

	"github.com/spf13/cobra"

	"nostr-video/internal/nips"
)

// NewPreloadCmd creates the preload command.
func NewPreloadCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preload <pubkey>",
		Short: "Cache a user's profile, contact list and recent videos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := loadSession(cmd, open)
			if err != nil {
				return err
			}
			defer s.Close()

			pk, err := nips.ParsePubkey(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeouts.Preload)
			defer cancel()

			stored := s.Events.PreloadUserEvents(ctx, pk)
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]any{"pubkey": pk, "stored": stored})
			}
			printf(cmd, "cached %d events for %s\n", stored, nips.ShortID(pk))
			if meta, ok := s.Events.Profile(pk); ok && meta.BestName() != "" {
				printf(cmd, "profile: %s\n", meta.BestName())
			}
			return nil
		},
	}
	return cmd
}
