package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// elementKey is the W3C web element identifier.
const elementKey = "element-6066-11e4-a52e-4f735466cecf"

// Locator strategies.
const (
	ByCSS     = "css selector"
	ByXPath   = "xpath"
	ByTagName = "tag name"
)

// Locator pairs a strategy with its selector.
type Locator struct {
	Using string
	Value string
}

func CSS(v string) Locator   { return Locator{Using: ByCSS, Value: v} }
func XPath(v string) Locator { return Locator{Using: ByXPath, Value: v} }

func (l Locator) String() string { return l.Using + "=" + l.Value }

// Error is a WebDriver error response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return fmt.Sprintf("webdriver: %s (status=%d): %s", e.Code, e.Status, msg)
}

// Unwrap marks a lost browser session as unrecoverable for the checkout
// machine.
func (e *Error) Unwrap() error {
	switch e.Code {
	case "invalid session id", "no such window", "session not created":
		return checkout.ErrUnrecoverable
	}
	return nil
}

// IsNoSuchElement reports whether err is a lookup miss.
func IsNoSuchElement(err error) bool {
	var we *Error
	return errors.As(err, &we) && (we.Code == "no such element" || we.Code == "stale element reference")
}

// Client speaks the W3C WebDriver protocol to chromedriver or a Selenium
// server. One Client drives one session.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	sessionID string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env struct {
			Value struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			} `json:"value"`
		}
		_ = json.Unmarshal(respBody, &env)
		code := env.Value.Error
		if code == "" {
			code = "unknown error"
		}
		return &Error{Status: resp.StatusCode, Code: code, Message: env.Value.Message}
	}

	if out == nil {
		return nil
	}
	env := struct {
		Value any `json:"value"`
	}{Value: out}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) session() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return "", fmt.Errorf("webdriver: no session: %w", checkout.ErrUnrecoverable)
	}
	return c.sessionID, nil
}

func (c *Client) sessionDo(ctx context.Context, method, path string, body, out any) error {
	id, err := c.session()
	if err != nil {
		return err
	}
	return c.do(ctx, method, "/session/"+id+path, body, out)
}

// NewSession starts a Chrome session with the given command-line args.
func (c *Client) NewSession(ctx context.Context, args []string) error {
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"browserName":        "chrome",
				"goog:chromeOptions": map[string]any{"args": args},
			},
		},
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &out); err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	if out.SessionID == "" {
		return errors.New("new session: empty session id")
	}
	c.mu.Lock()
	c.sessionID = out.SessionID
	c.mu.Unlock()
	telemetry.Infof("webdriver: session %s started", out.SessionID)
	return nil
}

// Quit ends the session and closes the browser.
func (c *Client) Quit(ctx context.Context) error {
	id, err := c.session()
	if err != nil {
		return nil
	}
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return c.do(ctx, http.MethodDelete, "/session/"+id, nil, nil)
}

func (c *Client) Navigate(ctx context.Context, url string) error {
	return c.sessionDo(ctx, http.MethodPost, "/url", map[string]string{"url": url}, nil)
}

func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := c.sessionDo(ctx, http.MethodGet, "/url", nil, &u)
	return u, err
}

func (c *Client) Title(ctx context.Context) (string, error) {
	var t string
	err := c.sessionDo(ctx, http.MethodGet, "/title", nil, &t)
	return t, err
}

func (c *Client) MaximizeWindow(ctx context.Context) error {
	return c.sessionDo(ctx, http.MethodPost, "/window/maximize", struct{}{}, nil)
}

type elementRef map[string]string

func (r elementRef) id() string { return r[elementKey] }

func (c *Client) FindElement(ctx context.Context, loc Locator) (string, error) {
	var ref elementRef
	if err := c.sessionDo(ctx, http.MethodPost, "/element", loc.body(), &ref); err != nil {
		return "", err
	}
	return ref.id(), nil
}

func (c *Client) FindElements(ctx context.Context, loc Locator) ([]string, error) {
	var refs []elementRef
	if err := c.sessionDo(ctx, http.MethodPost, "/elements", loc.body(), &refs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.id())
	}
	return ids, nil
}

// FindElementFrom searches below the element elem.
func (c *Client) FindElementFrom(ctx context.Context, elem string, loc Locator) (string, error) {
	var ref elementRef
	if err := c.sessionDo(ctx, http.MethodPost, "/element/"+elem+"/element", loc.body(), &ref); err != nil {
		return "", err
	}
	return ref.id(), nil
}

func (l Locator) body() map[string]string {
	return map[string]string{"using": l.Using, "value": l.Value}
}

func (c *Client) Click(ctx context.Context, elem string) error {
	return c.sessionDo(ctx, http.MethodPost, "/element/"+elem+"/click", struct{}{}, nil)
}

func (c *Client) Text(ctx context.Context, elem string) (string, error) {
	var s string
	err := c.sessionDo(ctx, http.MethodGet, "/element/"+elem+"/text", nil, &s)
	return s, err
}

func (c *Client) TagName(ctx context.Context, elem string) (string, error) {
	var s string
	err := c.sessionDo(ctx, http.MethodGet, "/element/"+elem+"/name", nil, &s)
	return s, err
}

// Attribute returns "" for an absent attribute.
func (c *Client) Attribute(ctx context.Context, elem, name string) (string, error) {
	var s *string
	if err := c.sessionDo(ctx, http.MethodGet, "/element/"+elem+"/attribute/"+name, nil, &s); err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

func (c *Client) Displayed(ctx context.Context, elem string) (bool, error) {
	var b bool
	err := c.sessionDo(ctx, http.MethodGet, "/element/"+elem+"/displayed", nil, &b)
	return b, err
}

func (c *Client) Enabled(ctx context.Context, elem string) (bool, error) {
	var b bool
	err := c.sessionDo(ctx, http.MethodGet, "/element/"+elem+"/enabled", nil, &b)
	return b, err
}

// SwitchToFrame enters the iframe elem; an empty elem returns to the top
// level document.
func (c *Client) SwitchToFrame(ctx context.Context, elem string) error {
	var id any
	if elem != "" {
		id = elementRef{elementKey: elem}
	}
	return c.sessionDo(ctx, http.MethodPost, "/frame", map[string]any{"id": id}, nil)
}
