package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/cartwright/internal/httpkit"
)

// sessionHeader carries the server-assigned session across requests.
const sessionHeader = "Mcp-Session-Id"

const maxResponseBytes = 10 << 20

// HTTPConfig configures a streamable-HTTP transport.
type HTTPConfig struct {
	URL string
	// Headers are sent with every request (e.g. Authorization).
	Headers            map[string]string
	Timeout            time.Duration
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the server URL. The
// server may answer with a JSON body or with an event stream whose data
// lines carry the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport builds a transport on an httpkit client.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{
		httpkit.WithLogger(logger),
		httpkit.WithRetry(2, 500*time.Millisecond),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// Send posts req and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if err := t.checkStatus(httpResp, http.StatusOK); err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	body := io.LimitReader(httpResp.Body, maxResponseBytes)
	if mediaType == "text/event-stream" {
		return readEventStream(body, req.ID)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify posts notif. Servers answer 202 Accepted, some answer 200.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	return t.checkStatus(httpResp, http.StatusOK, http.StatusAccepted)
}

// Close forgets the session. Connections belong to the shared pool.
func (t *HTTPTransport) Close() error {
	t.setSession("")
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	t.logger.Log(ctx, slog.Level(-8), "mcp request", "url", t.url, "body", string(body)) // config.LevelTrace

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.url, err)
	}
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.setSession(sid)
	}
	return httpResp, nil
}

func (t *HTTPTransport) checkStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}

	t.mu.RLock()
	hadSession := t.sessionID != ""
	t.mu.RUnlock()
	if resp.StatusCode == http.StatusNotFound && hadSession {
		t.setSession("")
		return ErrSessionExpired
	}

	return fmt.Errorf("mcp server returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
}

func (t *HTTPTransport) setSession(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// readEventStream scans server-sent events until a data payload decodes
// to the response for id. Server notifications and requests that share
// the stream are skipped.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if resp.ID != id || (resp.Result == nil && resp.Error == nil) {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response for id %d", id)
}
