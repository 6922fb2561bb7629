package webdriver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// ErrNotFound is returned when no candidate locator produced a clickable
// element before the step timeout.
var ErrNotFound = errors.New("webdriver: element not found")

// Selector candidates, tried in order every poll. Eventbrite reshuffles its
// class names between releases, hence the fallbacks.
var (
	checkAvailabilityLocators = []Locator{
		CSS("button[id*='check-availability']"),
		CSS("button.check-availability-btnbutton"),
		XPath("//button[contains(text(), 'Check availability')]"),
	}
	widgetFrameLocator = CSS("iframe[id*='eventbrite-widget']")
	timeSlotLocators   = []Locator{
		CSS("div[role='button'][class*='TimeSlot']"),
		CSS("div.TimeSlot-moduleslot_1Z-Kw"),
		CSS("div[class*='timeSlotContainer']"),
	}
	registerLocators = []Locator{
		CSS("button[data-testid='eds-modal__primary-button']"),
		CSS("button[data-automation='eds-modalprimary-button']"),
		CSS("button.eds-btn--fill"),
		XPath("//button[contains(text(), 'Register')]"),
	}

	dateButtonLocator  = XPath("//button[not(@disabled) and string-length(normalize-space(text())) <= 2 and number(text()) = number(text())]")
	dateElementLocator = XPath("//*[string-length(normalize-space(text())) <= 2 and number(text()) = number(text()) and not(contains(@class, 'disabled'))]")
	calendarButtons    = CSS("table button, [role='grid'] button, [class*='calendar'] button")
)

type ActuatorConfig struct {
	CheckoutURL  string
	StepTimeout  time.Duration // per-step element wait
	FrameTimeout time.Duration // wait for the widget iframe; absence is not an error
	PollInterval time.Duration
}

func DefaultActuatorConfig(checkoutURL string) ActuatorConfig {
	return ActuatorConfig{
		CheckoutURL:  checkoutURL,
		StepTimeout:  20 * time.Second,
		FrameTimeout: 5 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// Actuator performs the checkout clicks in an already logged-in session.
type Actuator struct {
	c   *Client
	cfg ActuatorConfig
}

func NewActuator(c *Client, cfg ActuatorConfig) *Actuator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 20 * time.Second
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Actuator{c: c, cfg: cfg}
}

// OpenForLogin starts the browser on url so the operator can sign in.
func (a *Actuator) OpenForLogin(ctx context.Context, url string) error {
	if err := a.c.NewSession(ctx, []string{"--no-first-run", "--no-default-browser-check"}); err != nil {
		return err
	}
	if err := a.c.MaximizeWindow(ctx); err != nil {
		telemetry.Warnf("webdriver: maximize window: %v", err)
	}
	return a.c.Navigate(ctx, url)
}

// ConfirmAvailability opens the checkout page, presses "Check availability"
// and enters the widget iframe when there is one.
func (a *Actuator) ConfirmAvailability(ctx context.Context, key inventory.TicketKey) error {
	target := a.cfg.CheckoutURL
	if target == "" {
		return fmt.Errorf("no checkout url configured for %s", key)
	}
	if err := a.c.SwitchToFrame(ctx, ""); err != nil {
		return fmt.Errorf("reset frame: %w", err)
	}
	if err := a.c.Navigate(ctx, target); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := a.clickFirst(ctx, "check availability", checkAvailabilityLocators); err != nil {
		return err
	}

	frame, err := a.waitFor(ctx, a.cfg.FrameTimeout, func(ctx context.Context) (string, error) {
		return a.firstElement(ctx, widgetFrameLocator)
	})
	switch {
	case err == nil:
		if err := a.c.SwitchToFrame(ctx, frame); err != nil {
			return fmt.Errorf("switch to widget frame: %w", err)
		}
		telemetry.Debugf("webdriver: switched to widget iframe")
	case errors.Is(err, ErrNotFound):
		telemetry.Debugf("webdriver: no widget iframe, staying on main page")
	default:
		return err
	}
	return nil
}

// SelectCalendarDate clicks the first selectable day in the date picker.
func (a *Actuator) SelectCalendarDate(ctx context.Context, _ inventory.TicketKey) error {
	elem, err := a.waitFor(ctx, a.cfg.StepTimeout, a.findDate)
	if err != nil {
		return fmt.Errorf("calendar date: %w", err)
	}
	if err := a.c.Click(ctx, elem); err != nil {
		return fmt.Errorf("click calendar date: %w", err)
	}
	return nil
}

func (a *Actuator) SelectTime(ctx context.Context, _ inventory.TicketKey) error {
	return a.clickFirst(ctx, "time slot", timeSlotLocators)
}

// SelectQuantity is a no-op for one ticket: the widget preselects 1.
func (a *Actuator) SelectQuantity(_ context.Context, _ inventory.TicketKey, n int) error {
	if n == 1 {
		return nil
	}
	return fmt.Errorf("quantity %d not supported", n)
}

func (a *Actuator) SubmitRegister(ctx context.Context, _ inventory.TicketKey) error {
	return a.clickFirst(ctx, "register", registerLocators)
}

func (a *Actuator) clickFirst(ctx context.Context, what string, locs []Locator) error {
	elem, err := a.waitFor(ctx, a.cfg.StepTimeout, func(ctx context.Context) (string, error) {
		for _, loc := range locs {
			id, err := a.clickable(ctx, loc)
			if err != nil {
				return "", err
			}
			if id != "" {
				telemetry.Debugf("webdriver: %s found with %s", what, loc)
				return id, nil
			}
		}
		return "", nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := a.c.Click(ctx, elem); err != nil {
		return fmt.Errorf("click %s: %w", what, err)
	}
	return nil
}

// waitFor polls find until it returns an element, a hard error, or timeout.
func (a *Actuator) waitFor(ctx context.Context, timeout time.Duration, find func(context.Context) (string, error)) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		id, err := find(ctx)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNotFound
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

func (a *Actuator) firstElement(ctx context.Context, loc Locator) (string, error) {
	ids, err := a.c.FindElements(ctx, loc)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

// clickable returns the first displayed and enabled match of loc. Lookup
// misses and stale references count as "not yet".
func (a *Actuator) clickable(ctx context.Context, loc Locator) (string, error) {
	ids, err := a.c.FindElements(ctx, loc)
	if err != nil {
		return "", softMiss(err)
	}
	for _, id := range ids {
		ok, err := a.usable(ctx, id)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", nil
}

func (a *Actuator) usable(ctx context.Context, id string) (bool, error) {
	shown, err := a.c.Displayed(ctx, id)
	if err != nil {
		return false, softMiss(err)
	}
	if !shown {
		return false, nil
	}
	enabled, err := a.c.Enabled(ctx, id)
	if err != nil {
		return false, softMiss(err)
	}
	return enabled, nil
}

func softMiss(err error) error {
	if IsNoSuchElement(err) {
		return nil
	}
	return err
}

// findDate tries the calendar layouts seen on Eventbrite, most specific
// first: numeric buttons, then numeric text nodes (a <p class="dateText">
// resolves to its enclosing <li> unless that day is unavailable), then
// enabled <li> cells, then any numeric button in a calendar grid.
func (a *Actuator) findDate(ctx context.Context) (string, error) {
	if id, err := a.clickable(ctx, dateButtonLocator); err != nil || id != "" {
		return id, err
	}

	elems, err := a.c.FindElements(ctx, dateElementLocator)
	if err != nil {
		return "", softMiss(err)
	}
	for _, el := range elems {
		id, err := a.dateCandidate(ctx, el)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	lis, err := a.c.FindElements(ctx, Locator{Using: ByTagName, Value: "li"})
	if err != nil {
		return "", softMiss(err)
	}
	for _, li := range lis {
		shown, err := a.c.Displayed(ctx, li)
		if err != nil {
			if IsNoSuchElement(err) {
				continue
			}
			return "", err
		}
		class, err := a.c.Attribute(ctx, li, "class")
		if err != nil {
			return "", softMiss(err)
		}
		if shown && strings.Contains(strings.ToLower(class), "enabled") {
			return li, nil
		}
	}

	btns, err := a.c.FindElements(ctx, calendarButtons)
	if err != nil {
		return "", softMiss(err)
	}
	for _, b := range btns {
		ok, err := a.usable(ctx, b)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		text, err := a.c.Text(ctx, b)
		if err != nil {
			return "", softMiss(err)
		}
		if isDay(text) {
			return b, nil
		}
	}
	return "", nil
}

func (a *Actuator) dateCandidate(ctx context.Context, el string) (string, error) {
	shown, err := a.c.Displayed(ctx, el)
	if err != nil || !shown {
		return "", softMiss(err)
	}
	text, err := a.c.Text(ctx, el)
	if err != nil {
		return "", softMiss(err)
	}
	if !isDay(text) {
		return "", nil
	}
	tag, err := a.c.TagName(ctx, el)
	if err != nil {
		return "", softMiss(err)
	}
	class, err := a.c.Attribute(ctx, el, "class")
	if err != nil {
		return "", softMiss(err)
	}
	if !strings.EqualFold(tag, "p") || !strings.Contains(class, "dateText") {
		return el, nil
	}

	li, err := a.c.FindElementFrom(ctx, el, XPath("./ancestor::li[1]"))
	if err != nil {
		return "", softMiss(err)
	}
	liClass, err := a.c.Attribute(ctx, li, "class")
	if err != nil {
		return "", softMiss(err)
	}
	lc := strings.ToLower(liClass)
	if strings.Contains(lc, "unavailable") || strings.Contains(lc, "disabled") {
		return "", nil
	}
	return li, nil
}

func isDay(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil && n >= 1 && n <= 31
}
