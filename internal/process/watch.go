package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charleschow/ticket-watch/internal/adapters/outbound/discord"
	"github.com/charleschow/ticket-watch/internal/adapters/outbound/eventbrite_http"
	"github.com/charleschow/ticket-watch/internal/adapters/outbound/webdriver"
	"github.com/charleschow/ticket-watch/internal/config"
	"github.com/charleschow/ticket-watch/internal/core/budget"
	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/display"
	"github.com/charleschow/ticket-watch/internal/core/fetch"
	"github.com/charleschow/ticket-watch/internal/core/monitor"
	"github.com/charleschow/ticket-watch/internal/core/tracker"
	"github.com/charleschow/ticket-watch/internal/core/tracking"
	"github.com/charleschow/ticket-watch/internal/events"
	"github.com/charleschow/ticket-watch/internal/fanout"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1 // setup failure or rate-limit cool-downs exhausted
	ExitUnrecovered = 2 // browser session lost mid-run
)

// Options are the command-line overrides applied on top of the env config.
type Options struct {
	LogLevel    string
	TargetsPath string
	ArchivePath string
	FeedAddr    string
	SkipLogin   bool
	Stdin       io.Reader
}

// ExitCode maps the error that ended Run to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, checkout.ErrUnrecoverable):
		return ExitUnrecovered
	default:
		return ExitFailure
	}
}

// Run boots the watcher: login browser, discovery, then the poll loop
// until a signal, cool-down exhaustion or a lost browser session. It
// returns the process exit code.
func Run(opts Options) int {
	cfg := config.Load()
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.TargetsPath != "" {
		cfg.TargetsPath = opts.TargetsPath
	}
	if opts.ArchivePath != "" {
		cfg.ArchivePath = opts.ArchivePath
	}
	if opts.FeedAddr != "" {
		cfg.FeedAddr = opts.FeedAddr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))

	var targets *config.Targets
	if cfg.TargetsPath != "" {
		t, err := config.LoadTargets(cfg.TargetsPath)
		if err != nil {
			telemetry.Errorf("%v", err)
			return ExitFailure
		}
		t.Apply(cfg)
		targets = t
	}
	if err := cfg.Validate(); err != nil {
		telemetry.Errorf("invalid configuration: %v", err)
		return ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, cfg, targets, opts)
	code := ExitCode(err)
	if code != ExitOK {
		telemetry.Errorf("stopped: %v", err)
	}
	printSummary()
	return code
}

func run(ctx context.Context, cfg *config.Config, targets *config.Targets, opts Options) error {
	bus := events.NewBus()
	stdin := newLineReader(opts.Stdin)

	// ── Rate budget + Eventbrite client ───────────────────────
	callBudget := budget.New(cfg.Budget())
	api := eventbrite_http.NewClient(cfg.BaseURL, cfg.APIToken, cfg.Budget().BurstQPS)

	// ── Archive ───────────────────────────────────────────────
	var store *tracking.Store
	if cfg.ArchivePath != "" {
		s, err := tracking.OpenStore(cfg.ArchivePath, 0)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer s.Close()
		store = s
	}

	// ── Browser login ─────────────────────────────────────────
	driver := webdriver.NewClient(cfg.WebDriverURL)
	actCfg := webdriver.DefaultActuatorConfig(cfg.CheckoutURL)
	actCfg.StepTimeout = cfg.StepTimeout
	actuator := webdriver.NewActuator(driver, actCfg)

	if err := actuator.OpenForLogin(ctx, cfg.LoginURL); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		quitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := driver.Quit(quitCtx); err != nil {
			telemetry.Warnf("webdriver: quit: %v", err)
		}
		telemetry.Infof("browser closed")
	}()
	if !opts.SkipLogin {
		telemetry.Plainf("Log in to Eventbrite in the browser, then press Enter to start monitoring.")
		if err := stdin.Wait(ctx); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		telemetry.Infof("login complete")
	}

	// ── Targets ───────────────────────────────────────────────
	keys, err := monitor.Discover(ctx, api, callBudget, cfg.Target(targets), cfg.PollFloor)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	// ── Notifier + status board ───────────────────────────────
	notifier := discord.NewNotifier(cfg.DiscordWebhookURL, cfg.CheckoutURL)
	notifier.Subscribe(bus)
	display.NewBoard(os.Stderr, 30*time.Second).Subscribe(bus)

	// ── Status feed ───────────────────────────────────────────
	if cfg.FeedAddr != "" {
		ln, err := net.Listen("tcp", cfg.FeedAddr)
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		feed := fanout.NewServer(bus)
		go func() {
			if err := feed.Serve(ctx, ln); err != nil {
				telemetry.Warnf("feed: %v", err)
			}
		}()
	}

	// ── Checkout ──────────────────────────────────────────────
	machineOpts := []checkout.Option{checkout.WithNotifier(notifier)}
	if store != nil {
		machineOpts = append(machineOpts, checkout.WithArchive(store))
	}
	machine := checkout.NewMachine(cfg.Checkout(), actuator, machineOpts...)

	// ── Monitor ───────────────────────────────────────────────
	mcfg := cfg.Monitor()
	fetcher := fetch.NewFetcher(api, callBudget, cfg.FetchTimeout)
	scheduler := fetch.NewScheduler(mcfg.SchedulerConfig(), fetcher, callBudget)
	tr := tracker.New(mcfg.Policy())

	orchOpts := []monitor.Option{monitor.WithBus(bus)}
	if store != nil {
		orchOpts = append(orchOpts, monitor.WithRecorder(store))
	}
	orch := monitor.New(mcfg, keys, scheduler, tr, machine, orchOpts...)

	telemetry.Plainf("Monitoring event %s (%d ticket classes). Press Ctrl+C to stop. Keep the browser open.", cfg.EventID, len(keys))
	runErr := orch.Run(ctx)

	// ── Shutdown ──────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := machine.Shutdown(shutdownCtx); err != nil {
		telemetry.Warnf("checkout: shutdown: %v", err)
	}

	if succeeded(machine.History()) && !errors.Is(runErr, checkout.ErrUnrecoverable) {
		telemetry.Plainf("Registration was submitted. Finish the checkout in the browser, then press Enter to close it.")
		// A second signal skips the wait.
		waitCtx, waitStop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		stdin.Wait(waitCtx)
		waitStop()
	}
	return runErr
}

func succeeded(history []checkout.Attempt) bool {
	for _, a := range history {
		if a.Outcome == checkout.OutcomeSucceeded {
			return true
		}
	}
	return false
}

func printSummary() {
	m := &telemetry.Metrics
	telemetry.Infof("shutdown complete  ticks=%d  requests=%d  rate_limits=%d  fetch_errors=%d  opportunities=%d  attempts=%d/%d  fetch_p50=%s  fetch_p99=%s",
		m.Ticks.Value(),
		m.RequestsSent.Value(),
		m.RateLimitSignals.Value(),
		m.FetchErrors.Value(),
		m.Opportunities.Value(),
		m.AttemptsSucceeded.Value(),
		m.AttemptsAccepted.Value(),
		m.FetchLatency.P50(),
		m.FetchLatency.P99(),
	)
}

// lineReader turns blocking line reads into a channel so a prompt can be
// abandoned when ctx ends.
type lineReader struct {
	lines chan struct{}
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan struct{})}
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lr.lines <- struct{}{}
		}
		close(lr.lines)
	}()
	return lr
}

// Wait blocks until the next line, EOF or ctx ends.
func (lr *lineReader) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-lr.lines:
		if !ok {
			return io.EOF
		}
		return nil
	}
}
