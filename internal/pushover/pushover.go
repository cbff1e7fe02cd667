// Package pushover implements the Pushover notification API client used to
// push security alerts to an operator's phone.
package pushover

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultAPIURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// Priority levels for Pushover notifications.
const (
	PriorityLowest = -2
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Config holds the Pushover application credentials.
type Config struct {
	UserKey  string `json:"user_key,omitempty"`
	AppToken string `json:"app_token,omitempty"`
}

// Configured reports whether credentials are set.
func (c Config) Configured() bool {
	return c.UserKey != "" && c.AppToken != ""
}

// Message represents a Pushover notification to send.
type Message struct {
	Title    string
	Body     string
	Priority int
}

// Response is the JSON response from the Pushover API.
type Response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Client sends notifications. The zero URL targets the public API; tests
// point it at a local server.
type Client struct {
	Config Config
	APIURL string
}

// Send delivers one notification. Title and body are clamped to the API's
// documented limits.
func (c *Client) Send(msg Message) error {
	if !c.Config.Configured() {
		return fmt.Errorf("pushover not configured: set user_key and app_token")
	}

	title := msg.Title
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	body := msg.Body
	if len(body) > MaxMessageLen {
		body = body[:MaxMessageLen]
	}

	apiURL := c.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	form := url.Values{
		"token":    {c.Config.AppToken},
		"user":     {c.Config.UserKey},
		"title":    {title},
		"message":  {body},
		"priority": {fmt.Sprintf("%d", msg.Priority)},
	}

	resp, err := http.Post(apiURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}
