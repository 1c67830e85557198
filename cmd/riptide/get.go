package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/riptide-dl/riptide/internal/engine/events"
	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/manager"
)

var getCmd = &cobra.Command{
	Use:   "get [url]...",
	Short: "download one or more URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("output")
		segments, _ := cmd.Flags().GetInt("segments")
		limitKBps, _ := cmd.Flags().GetInt64("limit")
		noResume, _ := cmd.Flags().GetBool("no-resume")
		urgent, _ := cmd.Flags().GetBool("urgent")

		if outDir == "" {
			outDir = settings.DownloadPath
		}

		mgr := manager.New(settings)
		if err := mgr.Start(); err != nil {
			return err
		}
		defer func() { _ = mgr.Stop(10 * time.Second) }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		wg.Add(len(args))
		mgr.Subscribe(func(msg events.Msg) {
			switch e := msg.(type) {
			case events.TaskCompletedMsg:
				fmt.Printf("done  %s (%s in %s)\n",
					e.Filename, humanize.Bytes(uint64(e.Total)), e.Elapsed.Round(time.Second))
				wg.Done()
			case events.TaskFailedMsg:
				fmt.Fprintf(os.Stderr, "fail  %s: %v\n", e.Filename, e.Err)
				wg.Done()
			case events.TaskCancelledMsg:
				wg.Done()
			case events.ProgressUpdatedMsg:
				if e.ActiveTasks > 0 {
					fmt.Printf("\r%s / %s  %s/s   ",
						humanize.Bytes(uint64(e.DownloadedBytes)),
						humanize.Bytes(uint64(e.TotalBytes)),
						humanize.Bytes(uint64(e.Speed)))
				}
			}
		})

		opts := types.DefaultOptions(outDir)
		opts.MaxConcurrentSegments = segments
		opts.SpeedLimitKBps = limitKBps
		opts.EnableResume = !noResume

		priority := types.PriorityNormal
		if urgent {
			priority = types.PriorityUrgent
		}

		for _, rawurl := range args {
			if _, err := mgr.AddDownload(ctx, rawurl, &opts, priority); err != nil {
				fmt.Fprintf(os.Stderr, "skip  %s: %v\n", rawurl, err)
				wg.Done()
			}
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ninterrupted")
		}
		fmt.Println()
		return nil
	},
}

func init() {
	getCmd.Flags().StringP("output", "o", "", "output directory")
	getCmd.Flags().IntP("segments", "s", 4, "max parallel segments per download")
	getCmd.Flags().Int64P("limit", "l", 0, "speed limit in KiB/s (0 = unlimited)")
	getCmd.Flags().Bool("no-resume", false, "ignore existing partial files")
	getCmd.Flags().Bool("urgent", false, "enqueue at urgent priority")
}
