// Package command implements the vidcache CLI.
package command

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"nostr-video/internal/config"
	"nostr-video/internal/logging"
	"nostr-video/internal/session"
)

const AppName = "vidcache"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// Opener builds the session a command runs against.
type Opener func(cfg *config.Config) (*session.Session, error)

// DefaultOpener connects to live relays with the configured durable backend.
func DefaultOpener(cfg *config.Config) (*session.Session, error) {
	return session.Open(cfg, prometheus.NewRegistry()), nil
}

// NewRootCmd creates the root command. open is called once per command run.
func NewRootCmd(version string, open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Cache-backed Nostr video feed tool",
		Long:          "vidcache runs the video data layer against live relays: feeds, relay capabilities, preloads, follow lists and deletions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to the YAML config (default "+config.DefaultPath+")")
	cmd.PersistentFlags().StringSlice("relay", nil, "relay URL, repeatable; overrides the configured default relays")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewFeedCmd(open),
		NewCapsCmd(open),
		NewPreloadCmd(open),
		NewFollowsCmd(open),
		NewDeletionsCmd(open),
	)
	return cmd
}

// Execute runs the CLI with the live opener.
func Execute() error {
	return NewRootCmd(Version, DefaultOpener).Execute()
}

// loadSession reads the config named by the persistent flags, applies
// flag overrides, sets up logging and opens a session.
func loadSession(cmd *cobra.Command, open Opener) (*session.Session, *config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if relays, _ := cmd.Flags().GetStringSlice("relay"); len(relays) > 0 {
		cfg.Relays.Default = relays
		cfg.Relays.Profile = relays
		cfg.Relays.Deletion = relays
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logging.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())

	s, err := open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}
