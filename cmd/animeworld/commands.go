package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/alvarorichard/animeworld/internal/downloader"
	"github.com/alvarorichard/animeworld/internal/player"
	"github.com/alvarorichard/animeworld/internal/tracking"
	"github.com/alvarorichard/animeworld/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version.ShowVersion(cmd.OutOrStdout())
		},
	}
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download Chromium and yt-dlp ahead of the first request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := player.Install(); err != nil {
				return err
			}
			if err := downloader.NewYtDlp().Install(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chromium and yt-dlp are ready")
			return nil
		},
	}
}

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		userID int64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deliveries from the delivery log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := tracking.Open(opts.cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer log.Close()

			deliveries, err := log.Recent(userID, limit)
			if err != nil {
				return err
			}
			if len(deliveries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deliveries recorded")
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), historyTable(deliveries))
			if total, err := log.Count(); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d deliveries\n", len(deliveries), total)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "only show deliveries to this Telegram user (0 lists all)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to list")
	return cmd
}

func historyTable(deliveries []tracking.Delivery) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"When", "User", "Anime", "Episode", "Quality", "Route", "Size"})
	for _, d := range deliveries {
		size := "-"
		if d.Size > 0 {
			size = humanize.Bytes(uint64(d.Size))
		}
		tw.AppendRow(table.Row{
			d.DeliveredAt.Format("2006-01-02 15:04"),
			strconv.FormatInt(d.UserID, 10),
			d.Anime, d.Episode, d.Quality, d.Route, size,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 7, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
