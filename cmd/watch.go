package cmd

import (
	"cookshare/backend"
	"cookshare/feeds"
	"cookshare/models"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print a live feed to the command line",
		Description: `Follows a feed on a running cookshare backend and prints it
every time it changes.

Each snapshot is written as a JSON object on a single line. Use a tool like
jq to process the output. All other log messages go to stderr.

Filters use the backend syntax, e.g. --filter postId=eq.42`,
		Flags: append(backendFlags(),
			&cli.StringFlag{
				Name:    "resource",
				Aliases: []string{"r"},
				Value:   "posts",
				Usage:   "Resource to follow: posts, recipes, comments or notifications",
			},
			&cli.StringSliceFlag{
				Name:  "filter",
				Usage: "Equality filter clause, may be repeated",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Value: feeds.DefaultPageSize,
				Usage: "Items fetched per page",
			},
			&cli.BoolFlag{
				Name:  "all",
				Value: true,
				Usage: "Keep loading pages until the feed is exhausted",
			},
		),
		Action: func(ctx *cli.Context) error {
			// Keep stdout for snapshots
			log.SetOutput(os.Stderr)

			filter, err := models.ParseFilterClauses(ctx.StringSlice("filter"))
			if err != nil {
				return err
			}

			client, err := backend.New(backend.Config{
				BaseURL:       ctx.String("backend"),
				RealtimeHosts: ctx.StringSlice("realtime-host"),
				Compress:      ctx.Bool("compress"),
				UserAgent:     "cookshare-watch",
				OnError: func(err error) {
					log.Warn("Realtime connection lost: ", err)
				},
			})
			if err != nil {
				return err
			}

			feed, err := feeds.Open(ctx.Context, client, client, feeds.Options{
				Resource:      ctx.String("resource"),
				Filter:        filter,
				PageSize:      ctx.Int("page-size"),
				EnrichAuthors: true,
			})
			if err != nil {
				return err
			}
			defer feed.Close()

			feed.OnUpdate(snapshotPrinter(os.Stdout))

			for {
				if err := feed.LoadMore(ctx.Context); err != nil {
					return err
				}
				if !ctx.Bool("all") || !feed.HasMore() {
					break
				}
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The feed reloads itself when the stream reconnects
			<-sigCtx.Done()
			log.Info("Stopping watch")
			return nil
		},
	}
}

// snapshotPrinter writes each settled snapshot as one JSON line. Listeners
// run on whichever goroutine made the change, so stale versions are skipped.
func snapshotPrinter(w io.Writer) func(feeds.Snapshot) {
	var (
		mu   sync.Mutex
		last uint64
	)
	enc := json.NewEncoder(w)

	return func(snapshot feeds.Snapshot) {
		if snapshot.State == feeds.StateLoading {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if snapshot.Version <= last {
			return
		}
		last = snapshot.Version
		if err := enc.Encode(snapshot); err != nil {
			log.Error("Failed to print snapshot: ", err)
		}
	}
}
