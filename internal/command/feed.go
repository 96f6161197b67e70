package command

import (
	"github.com/spf13/cobra"

	"nostr-video/internal/feed"
	"nostr-video/internal/logging"
	"nostr-video/internal/nips"
	"nostr-video/internal/sortmode"
	"nostr-video/internal/util"
)

type feedItemJSON struct {
	ID        string  `json:"id"`
	Author    string  `json:"author"`
	Name      string  `json:"name"`
	CreatedAt int64   `json:"created_at"`
	Title     string  `json:"title,omitempty"`
	Metric    float64 `json:"metric"`
	Deleted   bool    `json:"deleted,omitempty"`
	Reason    string  `json:"deletion_reason,omitempty"`
}

type feedPageJSON struct {
	Items        []feedItemJSON `json:"items"`
	Cursor       int64          `json:"cursor,omitempty"`
	ServerSorted bool           `json:"server_sorted"`
	Stale        bool           `json:"stale"`
}

// NewFeedCmd creates the feed command.
func NewFeedCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Fetch a page of videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := loadSession(cmd, open)
			if err != nil {
				return err
			}
			defer s.Close()

			mode, _ := cmd.Flags().GetString("mode")
			authors, _ := cmd.Flags().GetStringSlice("author")
			following, _ := cmd.Flags().GetString("following")
			limit, _ := cmd.Flags().GetInt("limit")
			until, _ := cmd.Flags().GetInt64("until")
			showDeleted, _ := cmd.Flags().GetBool("show-deleted")

			req := feed.Request{
				Authors:   authors,
				FollowsOf: following,
				Limit:     limit,
				Until:     until,
			}
			if mode != "" {
				m, err := sortmode.ParseMode(mode)
				if err != nil {
					return err
				}
				req.Mode = m
			}
			if cmd.Flags().Changed("show-deleted") {
				s.Deletions.SetShowDeletedVideos(showDeleted)
			}

			ctx := logging.WithOperationID(cmd.Context())
			page, err := s.Feed.Fetch(ctx, req)
			if err != nil {
				return err
			}
			return printPage(cmd, page, req.Mode != "")
		},
	}
	cmd.Flags().String("mode", "", "sort mode: hot, top, rising or controversial (default newest first)")
	cmd.Flags().StringSlice("author", nil, "restrict to author (hex or npub), repeatable")
	cmd.Flags().String("following", "", "restrict to pubkeys followed by this user")
	cmd.Flags().Int("limit", feed.DefaultLimit, "page size")
	cmd.Flags().Int64("until", 0, "page cursor from a previous run")
	cmd.Flags().Bool("show-deleted", false, "show deleted videos redacted instead of hiding them")
	return cmd
}

func printPage(cmd *cobra.Command, page feed.Page, ranked bool) error {
	out := feedPageJSON{
		Items:        make([]feedItemJSON, 0, len(page.Items)),
		Cursor:       page.Cursor,
		ServerSorted: page.ServerSorted,
		Stale:        page.Stale,
	}
	for _, it := range page.Items {
		item := feedItemJSON{
			ID:        it.Event.ID,
			Author:    it.Event.PubKey,
			Name:      displayName(page.Profiles, it.Event.PubKey),
			CreatedAt: int64(it.Event.CreatedAt),
			Title:     util.GetTagValue(it.Event.Tags, "title"),
			Metric:    sortmode.EngagementMetric(it.Event),
		}
		if it.Deletion != nil {
			item.Deleted = true
			item.Reason = it.Deletion.Reason
		}
		out.Items = append(out.Items, item)
	}

	if jsonOutput(cmd) {
		return writeJSON(cmd, out)
	}
	for _, it := range out.Items {
		if it.Deleted {
			printf(cmd, "%s  [deleted by author] %s\n", nips.ShortID(it.ID), it.Reason)
			continue
		}
		printf(cmd, "%s  %-20s %s  %8.0f  %s\n", nips.ShortID(it.ID), it.Name, formatTime(it.CreatedAt), it.Metric, it.Title)
	}
	switch {
	case page.Stale:
		printf(cmd, "(relays unreachable, showing cached results)\n")
	case ranked && !page.ServerSorted:
		printf(cmd, "(sorted locally)\n")
	}
	if page.Cursor > 0 {
		printf(cmd, "next page: --until %d\n", page.Cursor)
	}
	return nil
}
