package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/config"
)

// serverClient talks to a running warden server over its REST API.
type serverClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// addServerFlags attaches the connection flags used by every client command.
func addServerFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "", "Server base URL (default http://127.0.0.1:<config port>)")
	cmd.PersistentFlags().String("token", "", "Bearer token for API access")
}

func newServerClient(cmd *cobra.Command) (*serverClient, error) {
	baseURL, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	if baseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		if token == "" {
			token = cfg.Server.AuthToken
		}
	}

	return &serverClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do issues one request and decodes the JSON response into out (when non-nil).
// Non-2xx responses surface the server's error message.
func (c *serverClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s (is 'warden serve' running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *serverClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *serverClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *serverClient) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}
