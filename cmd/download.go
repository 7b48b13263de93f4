package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mediagrabber/cli"
	"mediagrabber/services"
	"mediagrabber/types"
)

var downloadCmd = &cobra.Command{
	Use:   "download URL...",
	Short: "Download one or more URLs and wait for them to finish",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		format, _ := c.Flags().GetString("format")
		cookiesFile, _ := c.Flags().GetString("cookies")
		plain, _ := c.Flags().GetBool("plain")

		var cookies []byte
		if cookiesFile != "" {
			data, err := os.ReadFile(cookiesFile)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			cookies = data
		}

		requests := make([]services.JobRequest, 0, len(args))
		for _, raw := range args {
			req, _, err := services.NewJobRequest(raw, format, cookies)
			if err != nil {
				return fmt.Errorf("%s: %w", raw, err)
			}
			requests = append(requests, req)
		}

		settings, err := loadSettings(true)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(settings, appOptions{})
		if err != nil {
			return err
		}
		out := c.OutOrStdout()
		var renderer services.Listener = cli.NewLineRenderer(out)
		if !plain && isTerminal(out) {
			renderer = cli.NewBarRenderer(out)
		}

		jobs, err := runDownloads(ctx, a, requests, renderer)
		if len(jobs) > 0 {
			fmt.Fprintln(out, cli.Summary(jobs))
		}
		if err != nil {
			return err
		}
		if failed := cli.Failed(jobs); len(failed) > 0 {
			return fmt.Errorf("%d of %d download(s) failed", len(failed), len(jobs))
		}
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringP("format", "f", string(types.FormatMP4), "Output format: mp4 or mp3")
	downloadCmd.Flags().String("cookies", "", "Netscape cookies.txt passed to the fetch tool")
	downloadCmd.Flags().Bool("plain", false, "Print one line per update instead of progress bars")
}

// runDownloads queues every request, renders progress until all jobs
// finish and returns their final records.
func runDownloads(ctx context.Context, a *app, requests []services.JobRequest, renderer services.Listener) ([]types.DownloadJob, error) {
	sub := a.bus.Subscribe(renderer)
	defer sub.Unsubscribe()

	a.start(ctx, false)
	defer a.stop()

	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		job, err := a.jobs.AddJob(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.URL, err)
		}
		ids = append(ids, job.ID)
	}

	jobs := make([]types.DownloadJob, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			job, err := a.jobs.Wait(gctx, id)
			if err != nil {
				return err
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
