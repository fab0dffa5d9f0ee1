package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/soilsong/internal/apiclient"
	"github.com/loqalabs/soilsong/internal/playback"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		servers  string
		ph       float64
		moisture float64
		image    string
		play     bool
		out      string
		verbose  bool
	)

	flag.StringVar(&servers, "servers", "http://localhost:3000", "Comma separated server base URLs, tried in order")
	flag.Float64Var(&ph, "ph", 7.0, "Soil pH (0-14)")
	flag.Float64Var(&moisture, "moisture", 50, "Soil moisture percentage (0-100)")
	flag.StringVar(&image, "image", "", "Optional path to a JPEG photo of the soil")
	flag.BoolVar(&play, "play", true, "Play the narrated story after it is generated")
	flag.StringVar(&out, "out", "", "Write audio to this file while playing (\"-\" for stdout)")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := apiclient.New(strings.Split(servers, ","), nil, logger)
	if err != nil {
		logger.Error("invalid servers", slog.String("error", err.Error()))
		return 2
	}

	req := apiclient.StoryRequest{PH: ph, Moisture: moisture}
	if image != "" {
		data, err := os.ReadFile(image)
		if err != nil {
			logger.Error("failed to read image", slog.String("error", err.Error()))
			return 1
		}
		req.Base64Image = base64.StdEncoding.EncodeToString(data)
	}

	fmt.Fprintln(os.Stderr, "Listening to your soil...")
	resp, err := client.Submit(ctx, req)
	if err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "The server rejected the reading: %s\n", apiErr.Message)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to fetch soil story: %v\n", err)
		return 1
	}
	printStory(os.Stderr, resp)

	if !play || resp.AudioURI == "" {
		return 0
	}
	locator, err := client.ResolveAudio(resp.AudioURI)
	if err != nil {
		logger.Error("invalid audio locator", slog.String("error", err.Error()))
		return 1
	}

	sink, closeSink, err := openSink(out)
	if err != nil {
		logger.Error("failed to open audio output", slog.String("error", err.Error()))
		return 1
	}
	defer closeSink()

	if err := listen(ctx, client, locator, sink, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Playback failed: %v\n", err)
		return 1
	}
	return 0
}

// listen plays the story to the end. SIGUSR1 and SIGUSR2 stand in for the
// host going to the background and coming back.
func listen(ctx context.Context, client *apiclient.Client, locator string, sink io.Writer, logger *slog.Logger) error {
	checker := apiclient.NewChecker(client)
	lifecycle := make(chan playback.LifecycleEvent, 1)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	transport := playback.NewHTTPTransport(nil, sink, logger)
	controller := playback.NewController(transport, playback.Options{
		Connectivity: checker,
		Lifecycle:    lifecycle,
		Restored:     checker.Watch(ctx, 5*time.Second),
		Logger:       logger,
	})
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Warn("playback close failed", slog.String("error", err.Error()))
		}
	}()

	updates, unsubscribe := controller.Subscribe()
	defer unsubscribe()

	if err := controller.Load(ctx, locator); err != nil {
		logger.Warn("initial load failed, retrying", slog.String("error", err.Error()))
	}

	started, played := false, false
	last := playback.StateIdle
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-signals:
			ev := playback.Background
			if sig == syscall.SIGUSR2 {
				ev = playback.Foreground
			}
			lifecycle <- ev
		case s, ok := <-updates:
			if !ok {
				return nil
			}
			if s.State != last {
				fmt.Fprintf(os.Stderr, "[%s] %s / %s\n", s.State, formatMillis(s.PositionMillis), formatMillis(s.DurationMillis))
				last = s.State
			}
			if s.State == playback.StatePlaying {
				played = true
			}
			switch {
			case s.State == playback.StateReady && !started:
				if err := controller.Play(ctx); err != nil && !errors.Is(err, playback.ErrRestoring) {
					return err
				}
				started = true
			case s.State == playback.StateReady && played && s.PositionMillis == 0:
				fmt.Fprintln(os.Stderr, "Finished.")
				return nil
			case s.State == playback.StateError && s.RetryCount >= 3:
				fmt.Fprintf(os.Stderr, "Audio unavailable (%v). Waiting for the connection to come back, Ctrl-C to quit.\n", s.LastError)
			}
		}
	}
}

func printStory(w io.Writer, resp apiclient.StoryResponse) {
	a := resp.Analysis
	fmt.Fprintf(w, "\n%s\n\n", resp.Story)
	fmt.Fprintf(w, "Soil health: %d/%d (%s)\n", a.SoilHealth.Score, a.SoilHealth.MaxScore, a.SoilHealth.Category)
	for _, issue := range a.Issues {
		fmt.Fprintf(w, "  issue [%s]: %s\n", issue.Severity, issue.Description)
	}
	for _, rec := range a.Recommendations {
		fmt.Fprintf(w, "  try: %s. %s\n", rec.Action, rec.Details)
	}
	if len(a.SuitablePlants) > 0 {
		fmt.Fprintf(w, "Plants that would thrive: %s\n", strings.Join(a.SuitablePlants, ", "))
	}
	fmt.Fprintln(w)
}

func openSink(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func formatMillis(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
