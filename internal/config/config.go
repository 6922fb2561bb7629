package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/charleschow/ticket-watch/internal/core/budget"
	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/monitor"
)

type Config struct {
	// Eventbrite API
	APIToken       string
	EventID        string
	TicketClassIDs []string
	BaseURL        string
	FetchTimeout   time.Duration

	// Polling
	PollFloor             time.Duration
	SlowInterval          time.Duration
	FastInterval          time.Duration
	FastestInterval       time.Duration
	ParallelFetch         bool
	MaxWorkers            int
	EarlyExit             bool
	PauseDuringCheckout   bool
	MaxRateLimitCooldowns int

	// Rate budget
	RateLimitPerHour  int
	RateLimitCooldown time.Duration

	// Checkout
	FailedCooldown time.Duration
	WebDriverURL   string
	CheckoutURL    string
	LoginURL       string
	StepTimeout    time.Duration

	// Notifications and archive
	DiscordWebhookURL string
	ArchivePath       string
	TargetsPath       string
	FeedAddr          string

	// Telemetry
	LogLevel string
}

// Load reads .env (if present) and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	eventID := envStr("EVENTBRITE_EVENT_ID", "")
	return &Config{
		APIToken:       envStr("EVENTBRITE_API_TOKEN", ""),
		EventID:        eventID,
		TicketClassIDs: envList("EVENTBRITE_TICKET_CLASS_IDS"),
		BaseURL:        envStr("EVENTBRITE_BASE_URL", "https://www.eventbriteapi.com/v3"),
		FetchTimeout:   envMillis("FETCH_TIMEOUT_MS", 5000),

		// Sub-1.8s polling has tripped Eventbrite's limiter; the floor is
		// enforced on every interval regardless of status.
		PollFloor:             envMillis("POLL_FLOOR_MS", 1800),
		SlowInterval:          envMillis("SLOW_INTERVAL_MS", 6000),
		FastInterval:          envMillis("FAST_INTERVAL_MS", 1800),
		FastestInterval:       envMillis("FASTEST_INTERVAL_MS", 1800),
		ParallelFetch:         envBool("PARALLEL_FETCH", true),
		MaxWorkers:            envInt("MAX_WORKERS", monitor.DefaultMaxWorkers),
		EarlyExit:             envBool("EARLY_EXIT", false),
		PauseDuringCheckout:   envBool("PAUSE_DURING_CHECKOUT", true),
		MaxRateLimitCooldowns: envInt("MAX_RATE_LIMIT_COOLDOWNS", 0),

		RateLimitPerHour:  envInt("RATE_LIMIT_PER_HOUR", 2000),
		RateLimitCooldown: time.Duration(envInt("RATE_LIMIT_COOLDOWN_SEC", 60)) * time.Second,

		FailedCooldown: time.Duration(envInt("FAILED_COOLDOWN_SEC", 30)) * time.Second,
		WebDriverURL:   envStr("WEBDRIVER_URL", "http://localhost:9515"),
		CheckoutURL:    envStr("CHECKOUT_URL", defaultCheckoutURL(eventID)),
		LoginURL:       envStr("LOGIN_URL", "https://www.eventbrite.com"),
		StepTimeout:    time.Duration(envInt("STEP_TIMEOUT_SEC", 20)) * time.Second,

		DiscordWebhookURL: envStr("DISCORD_WEBHOOK_URL", ""),
		ArchivePath:       envStr("ARCHIVE_PATH", ""),
		TargetsPath:       envStr("TARGETS_PATH", ""),
		FeedAddr:          envStr("FEED_ADDR", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

func defaultCheckoutURL(eventID string) string {
	if eventID == "" {
		return ""
	}
	return "https://www.eventbrite.com/e/" + eventID
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.APIToken == "" {
		errs = append(errs, errors.New("EVENTBRITE_API_TOKEN is required"))
	}
	if c.EventID == "" {
		errs = append(errs, errors.New("EVENTBRITE_EVENT_ID is required (env or targets file)"))
	}
	if c.WebDriverURL == "" {
		errs = append(errs, errors.New("WEBDRIVER_URL is required"))
	}
	if c.CheckoutURL == "" {
		errs = append(errs, errors.New("CHECKOUT_URL is required"))
	}
	if c.RateLimitPerHour <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_HOUR must be positive, got %d", c.RateLimitPerHour))
	}
	if c.FailedCooldown < 0 {
		errs = append(errs, errors.New("FAILED_COOLDOWN_SEC cannot be negative"))
	}
	if err := c.Monitor().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) Monitor() monitor.Config {
	return monitor.Config{
		PollFloor:             c.PollFloor,
		SlowInterval:          c.SlowInterval,
		FastInterval:          c.FastInterval,
		FastestInterval:       c.FastestInterval,
		ParallelFetch:         c.ParallelFetch,
		MaxWorkers:            c.MaxWorkers,
		EarlyExit:             c.EarlyExit,
		PauseDuringCheckout:   c.PauseDuringCheckout,
		MaxRateLimitCooldowns: c.MaxRateLimitCooldowns,
	}
}

func (c *Config) Budget() budget.Config {
	b := budget.DefaultConfig()
	b.Limit = c.RateLimitPerHour
	b.Cooldown = c.RateLimitCooldown
	return b
}

func (c *Config) Checkout() checkout.Config {
	cc := checkout.DefaultConfig()
	cc.FailedCooldown = c.FailedCooldown
	return cc
}

// Target merges the env event settings with the targets file, which wins
// where it sets a value.
func (c *Config) Target(t *Targets) monitor.Target {
	target := monitor.Target{EventID: c.EventID, TicketClassIDs: c.TicketClassIDs}
	if t == nil {
		return target
	}
	if t.EventID != "" {
		target.EventID = t.EventID
	}
	target.Occurrences = t.Occurrences
	if len(t.TicketClassIDs) > 0 {
		target.TicketClassIDs = t.TicketClassIDs
	}
	target.TicketClassNames = t.TicketClassNames
	return target
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
