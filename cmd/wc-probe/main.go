// ABOUTME: Probe app to check a wallclock server
// ABOUTME: Sends wallclock requests and prints every offset and round trip estimate
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/csssync-go/internal/logging"
	"github.com/Resonate-Protocol/csssync-go/pkg/wallclock"
)

var (
	server   = flag.String("server", "udp://localhost:6677", "Wallclock server address")
	period   = flag.Duration("period", time.Second, "Request period")
	count    = flag.Int("count", 10, "Stop after this many estimates (0 = run until interrupted)")
	logLevel = flag.String("log-level", "warn", "Log level")
)

func main() {
	flag.Parse()

	logger, _, err := logging.Setup(logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates := make(chan wallclock.State, 16)
	down := make(chan error, 1)

	client, err := wallclock.New(wallclock.Config{
		ServerURL:    *server,
		UpdatePeriod: *period,
		Logger:       &logger,
		OnUpdate: func(s wallclock.State) {
			select {
			case updates <- s:
			default:
			}
		},
		OnDown: func(err error) { down <- err },
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Destroy()

	fmt.Printf("=== Wallclock probe: %s every %v ===\n", *server, *period)
	if err := client.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var best *wallclock.State
	for n := 0; *count == 0 || n < *count; n++ {
		select {
		case s := <-updates:
			if best == nil || s.RoundTripNanos < best.RoundTripNanos {
				best = &s
			}
			fmt.Printf("#%-4d offset %+14.6fms  rtt %10.6fms  precision 2^%d s  max freq error %.1fppm\n",
				s.Updates, float64(s.OffsetNanos)/1e6, float64(s.RoundTripNanos)/1e6, s.Precision, s.MaxFreqErrorPPM)
		case err := <-down:
			fmt.Fprintln(os.Stderr, err)
			return
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	if best != nil {
		fmt.Printf("best estimate: offset %+.6fms at rtt %.6fms\n", float64(best.OffsetNanos)/1e6, float64(best.RoundTripNanos)/1e6)
	}
}
