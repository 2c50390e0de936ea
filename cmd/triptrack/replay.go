package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/goodtune/triptrack/internal/config"
	"github.com/goodtune/triptrack/internal/ingest"
	"github.com/goodtune/triptrack/internal/notify"
	"github.com/goodtune/triptrack/internal/storage"
	redisstore "github.com/goodtune/triptrack/internal/storage/redis"
	"github.com/goodtune/triptrack/internal/trip"
	"github.com/spf13/cobra"
)

const maxLineSize = 1 << 20

var (
	replayDryRun   bool
	replayStrategy string
)

var replayCmd = &cobra.Command{
	Use:   "replay [flags] FILE",
	Short: "Replay recorded positions through the trip tracker",
	Long: `Replay reads JSON positions, one per line, and feeds them through the trip
tracker in file order. Use - to read from stdin. With --dry-run trips are kept
in an embedded Redis and thrown away on exit.`,
	Example: `  triptrack -c config.yaml replay positions.jsonl
  triptrack replay --dry-run --strategy lazy - < positions.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Keep trips in an embedded Redis instead of the configured storage")
	replayCmd.Flags().StringVar(&replayStrategy, "strategy", "", "Override trips.persistence_strategy (eager or lazy)")
	rootCmd.AddCommand(replayCmd)
}

// tripCollector keeps trip-end events for the summary
type tripCollector struct {
	mu    sync.Mutex
	ended []notify.Event
}

// Notify implements notify.Notifier
func (c *tripCollector) Notify(_ context.Context, event notify.Event) {
	if event.Type != notify.EventTripEnd {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, event)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if replayStrategy != "" {
		cfg.Trips.PersistenceStrategy = replayStrategy
	}

	// Logs go to stderr so stdout carries only the summary
	logger, closeLog, err := setupLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var store storage.Store
	if replayDryRun {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start embedded redis: %w", err)
		}
		defer mr.Close()

		redisCfg := cfg.Storage.Redis
		redisCfg.Host = mr.Addr()
		redisCfg.Port = 0
		store, err = redisstore.Open(redisCfg)
		if err != nil {
			return err
		}
	} else {
		store, err = openStorage(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	}
	defer func() { _ = store.Close() }()

	criterion, _, err := buildCriterion(cfg.Trips.Motion, logger)
	if err != nil {
		return err
	}

	collector := &tripCollector{}
	notifier := notify.Multi{notify.NewLogNotifier(logger), collector}

	tracker, manager, err := buildTracker(cfg, store.Trips(), criterion, nil, notifier, logger)
	if err != nil {
		return err
	}

	in, err := openInput(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	processed, skipped, err := replay(ctx, in, tracker.OnPosition, func(line int, err error) {
		logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed position")
	})
	if err != nil {
		return err
	}

	printReplaySummary(os.Stdout, processed, skipped, manager.ActiveCount(), collector.ended)
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open positions: %w", err)
	}
	return f, nil
}

// replay decodes one position per line and hands each to handle in order.
// Blank lines are ignored; malformed ones are reported and skipped.
func replay(ctx context.Context, r io.Reader, handle func(context.Context, trip.Position), malformed func(line int, err error)) (processed, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return processed, skipped, ctx.Err()
		}

		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		pos, err := ingest.Decode("", data)
		if err != nil {
			skipped++
			malformed(line, err)
			continue
		}

		handle(ctx, pos)
		processed++
	}

	if err := scanner.Err(); err != nil {
		return processed, skipped, fmt.Errorf("failed to read positions: %w", err)
	}
	return processed, skipped, nil
}

func printReplaySummary(w io.Writer, processed, skipped, open int, ended []notify.Event) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = green.Fprintf(w, "✅ Replayed %d position(s)\n", processed)
	if skipped > 0 {
		_, _ = yellow.Fprintf(w, "⚠️  Skipped %d malformed line(s)\n", skipped)
	}

	if len(ended) == 0 {
		_, _ = yellow.Fprintln(w, "No trips finalized")
	} else {
		_, _ = cyan.Fprintf(w, "\n[%d trip(s) finalized]\n", len(ended))
		for _, ev := range ended {
			_, _ = fmt.Fprintf(w, "  %-36s  %-16s  %s  %8.0f m  %s\n",
				ev.Trip.ID,
				ev.DeviceID,
				ev.Trip.StartTime.UTC().Format(time.RFC3339),
				ev.Distance,
				time.Duration(ev.DurationMS)*time.Millisecond,
			)
		}
	}

	if open > 0 {
		_, _ = yellow.Fprintf(w, "\n%d trip(s) still open at end of input\n", open)
	}
}
