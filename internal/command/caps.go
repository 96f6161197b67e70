package command

import (
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-video/internal/nips"
	"nostr-video/internal/types"
)

// NewCapsCmd creates the caps command.
func NewCapsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caps [relay...]",
		Short: "Detect advanced search and sort support per relay",
		Long:  "Detect whether relays accept server-side sort directives. Without arguments the configured search and default relays are checked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := loadSession(cmd, open)
			if err != nil {
				return err
			}
			defer s.Close()

			relays := args
			if len(relays) == 0 {
				relays = append(append([]string{}, cfg.Relays.Search...), cfg.Relays.Default...)
			}
			relays = nips.NormalizeRelayURLs(relays)

			refresh, _ := cmd.Flags().GetBool("refresh")
			records := make([]types.CapabilityRecord, len(relays))
			g, ctx := errgroup.WithContext(cmd.Context())
			for i, relayURL := range relays {
				g.Go(func() error {
					if refresh {
						s.Detector.Forget(relayURL)
					}
					records[i] = s.Detector.Detect(ctx, relayURL)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return printCapabilities(cmd, records)
		},
	}
	cmd.Flags().Bool("refresh", false, "ignore memoized answers and probe again")
	return cmd
}

func printCapabilities(cmd *cobra.Command, records []types.CapabilityRecord) error {
	if jsonOutput(cmd) {
		type row struct {
			Relay      string    `json:"relay"`
			State      string    `json:"state"`
			Source     string    `json:"source,omitempty"`
			DetectedAt time.Time `json:"detected_at"`
			Error      string    `json:"error,omitempty"`
		}
		rows := make([]row, len(records))
		for i, r := range records {
			rows[i] = row{Relay: r.RelayURL, State: r.State.String(), Source: r.Source, DetectedAt: r.DetectedAt, Error: r.Err}
		}
		return writeJSON(cmd, rows)
	}
	for _, r := range records {
		line := r.State.String()
		if r.Source != "" {
			line += " (" + r.Source + ")"
		}
		if r.Failed() {
			line += " error: " + r.Err
		}
		printf(cmd, "%-40s %s\n", r.RelayURL, line)
	}
	return nil
}

