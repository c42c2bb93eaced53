// Package console retrieves raw console output from a game server's remote daemon.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiranshivaraju/luawatch/pkg/models"
)

// DefaultTimeout bounds a single console fetch.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a console response is read.
const maxBodyBytes = 8 << 20

// Sentinel errors for daemon fetch failures.
var (
	ErrNoDaemon          = errors.New("server has no daemon connection")
	ErrDaemonUnreachable = errors.New("daemon unreachable")
	ErrDaemonTimeout     = errors.New("daemon request timeout")
	ErrDaemonStatus      = errors.New("daemon returned error status")
)

// Fetcher retrieves the current console tail for a server.
type Fetcher interface {
	Fetch(ctx context.Context, server models.MonitoredServer) ([]models.RawLogLine, error)
}

// HTTPFetcher implements Fetcher against the daemon's HTTP API.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A non-positive timeout uses DefaultTimeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch issues GET {base}/api/servers/{id}/logs and returns the console as
// indexed lines. A body that is not valid JSON yields no lines and no error.
func (f *HTTPFetcher) Fetch(ctx context.Context, server models.MonitoredServer) ([]models.RawLogLine, error) {
	if server.Daemon.Host == "" {
		return nil, fmt.Errorf("%w: server %s", ErrNoDaemon, server.ID)
	}

	u := fmt.Sprintf("%s/api/servers/%s/logs", server.Daemon.BaseURL(), url.PathEscape(server.DaemonIdentifier()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if server.Daemon.Token != "" {
		req.Header.Set("Authorization", "Bearer "+server.Daemon.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrDaemonStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(err)
	}

	var payload logsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("malformed console payload", "server_id", server.ID, "error", err)
		return []models.RawLogLine{}, nil
	}

	return SplitLines(strings.Join(payload.Data, "\n")), nil
}

// SplitLines breaks console text into indexed lines. Carriage returns are
// dropped and a single trailing newline does not produce an empty last line.
func SplitLines(text string) []models.RawLogLine {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []models.RawLogLine{}
	}

	parts := strings.Split(text, "\n")
	lines := make([]models.RawLogLine, len(parts))
	for i, p := range parts {
		lines[i] = models.RawLogLine{Index: i, Text: strings.TrimRight(p, "\r")}
	}
	return lines
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDaemonTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrDaemonTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
}

// --- daemon response types ---

type logsResponse struct {
	Data consoleData `json:"data"`
}

// consoleData accepts the daemon's "data" field as either a single string
// or an array of strings. Any other shape decodes to no lines.
type consoleData []string

func (d *consoleData) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = nil
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = consoleData{s}
	case '[':
		var raw []any
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make(consoleData, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		*d = out
	default:
		*d = nil
	}
	return nil
}

// Compile-time check that HTTPFetcher implements Fetcher.
var _ Fetcher = (*HTTPFetcher)(nil)
