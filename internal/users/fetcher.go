// Package users keeps a periodically refreshed snapshot of the monitored
// user roster exposed by the upstream REST API.
package users

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/flitstream/flit/errs"
)

const (
	// DefaultRefreshInterval is how often the roster is re-fetched once
	// the periodic refresh is running.
	DefaultRefreshInterval = 4 * time.Minute

	activeUsersPath    = "/active-users"
	defaultHTTPTimeout = 10 * time.Second
)

const component = "users"

// HTTPBaseURL derives the REST base from the upstream WebSocket URL by
// swapping the scheme and dropping the stream path.
func HTTPBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", errs.New(component, errs.CodeInvalid,
			errs.WithMessage("parse upstream URL"), errs.WithCause(err))
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported upstream scheme %q", u.Scheme)))
	}
	u.Path = ""
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// Fetcher retrieves and caches the active-user roster.
type Fetcher struct {
	client  *http.Client
	baseURL string
	token   string
	log     *logrus.Entry

	mu        sync.RWMutex
	cached    []string
	fetchedAt time.Time
	onRefresh func([]string)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFetcher creates a fetcher for {baseURL}/active-users.
func NewFetcher(baseURL, token string, log *logrus.Entry) *Fetcher {
	client := new(http.Client)
	client.Timeout = defaultHTTPTimeout
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Fetcher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     log,
	}
}

// Fetch requests the roster. On any failure it returns the last successful
// snapshot together with the error so callers can keep operating on stale
// data.
func (f *Fetcher) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+activeUsersPath, nil)
	if err != nil {
		return f.Cached(), errs.New(component, errs.CodeInvalid,
			errs.WithMessage("create active-users request"), errs.WithCause(err))
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.Cached(), errs.New(component, errs.CodeNetwork,
			errs.WithMessage("fetch active users"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return f.Cached(), errs.New(component, errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("active-users status %d", resp.StatusCode)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.Cached(), errs.New(component, errs.CodeNetwork,
			errs.WithMessage("read active-users body"), errs.WithCause(err))
	}

	usernames, err := parseActiveUsers(body)
	if err != nil {
		return f.Cached(), err
	}

	f.mu.Lock()
	f.cached = usernames
	f.fetchedAt = time.Now()
	notify := f.onRefresh
	f.mu.Unlock()

	f.log.WithField("count", len(usernames)).Debug("active users refreshed")
	if notify != nil {
		notify(append([]string(nil), usernames...))
	}
	return append([]string(nil), usernames...), nil
}

// OnRefresh registers a callback invoked with a copy of the roster after
// every successful fetch. Register before Start.
func (f *Fetcher) OnRefresh(fn func([]string)) {
	f.mu.Lock()
	f.onRefresh = fn
	f.mu.Unlock()
}

// Cached returns a copy of the last successful snapshot.
func (f *Fetcher) Cached() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.cached...)
}

// FetchedAt reports when the snapshot was last refreshed.
func (f *Fetcher) FetchedAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fetchedAt
}

// Start performs one awaited fetch (its failure is logged, not fatal) and
// then refreshes on the interval until Stop or context cancellation.
func (f *Fetcher) Start(ctx context.Context, interval time.Duration) error {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cancel != nil {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("periodic refresh already running"))
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	if _, err := f.Fetch(ctx); err != nil {
		f.log.WithError(err).Warn("initial active-users fetch failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := f.Fetch(runCtx); err != nil {
					f.log.WithError(err).Warn("active-users refresh failed")
				}
			}
		}
	}(f.done)

	return nil
}

// Stop halts the periodic refresh and waits for it to exit.
func (f *Fetcher) Stop() {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
}

// parseActiveUsers accepts the roster shapes the upstream has shipped over
// time, first match wins: [string], [{username}], {usernames: [...]},
// {users: [...]}.
func parseActiveUsers(body []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return usernamesFromList(items), nil
	}

	var envelope struct {
		Usernames []json.RawMessage `json:"usernames"`
		Users     []json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errs.New(component, errs.CodeUpstream,
			errs.WithMessage("unparseable active-users payload"), errs.WithCause(err))
	}
	switch {
	case envelope.Usernames != nil:
		return usernamesFromList(envelope.Usernames), nil
	case envelope.Users != nil:
		return usernamesFromList(envelope.Users), nil
	default:
		return nil, errs.New(component, errs.CodeUpstream,
			errs.WithMessage("unrecognized active-users payload shape"))
	}
}

// usernamesFromList collects entries that are either bare strings or
// {username} objects, skipping anything else.
func usernamesFromList(items []json.RawMessage) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
			continue
		}
		var obj struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			if name = strings.TrimSpace(obj.Username); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
