package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"nostr-video/internal/nips"
)

// NewFollowsCmd creates the follows command.
func NewFollowsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follows <pubkey>",
		Short: "Show or invalidate a cached follow list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := loadSession(cmd, open)
			if err != nil {
				return err
			}
			defer s.Close()

			pk, err := nips.ParsePubkey(args[0])
			if err != nil {
				return err
			}

			if invalidate, _ := cmd.Flags().GetBool("invalidate"); invalidate {
				if err := <-s.Follows.Invalidate(pk); err != nil {
					return err
				}
				printf(cmd, "follow list of %s removed from cache\n", nips.ShortID(pk))
				return nil
			}

			fetch := s.Follows.Fetch
			if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
				fetch = s.Follows.Refresh
			}
			entry, ok := fetch(cmd.Context(), pk)
			if !ok {
				return fmt.Errorf("no follow list found for %s", nips.ShortID(pk))
			}

			pubkeys := entry.Pubkeys()
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]any{
					"owner":      entry.Owner,
					"created_at": entry.SourceCreatedAt,
					"follows":    pubkeys,
				})
			}
			printf(cmd, "%s follows %d pubkeys (list from %s)\n", nips.ShortID(pk), len(pubkeys), formatTime(entry.SourceCreatedAt))
			for _, f := range pubkeys {
				printf(cmd, "  %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().Bool("refresh", false, "fetch the latest list from relays")
	cmd.Flags().Bool("invalidate", false, "drop the cached list from both tiers")
	return cmd
}
