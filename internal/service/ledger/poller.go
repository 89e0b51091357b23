package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"log/slog"
)

// Source pages through processor events. An empty cursor starts from the
// beginning; the returned cursor resumes after the last delivered event.
type Source interface {
	FetchEvents(ctx context.Context, cursor string, limit int) ([]Event, string, error)
}

const pollPageSize = 100

// Poller drains a processor Source into the ledger on a fixed interval.
// It backstops the webhook push path: events the processor failed to
// deliver are still reconciled, and Ingest dedup makes the overlap safe.
type Poller struct {
	source   Source
	ledger   *Service
	logger   *slog.Logger
	interval time.Duration
	cursor   string
}

// NewPoller constructs a poller.
func NewPoller(source Source, ledgerSvc *Service, logger *slog.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{source: source, ledger: ledgerSvc, logger: logger, interval: interval}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain ingests pages until the source runs dry. The cursor only advances
// past a fully ingested page so a failure is retried next tick.
func (p *Poller) drain(ctx context.Context) {
	for {
		events, next, err := p.source.FetchEvents(ctx, p.cursor, pollPageSize)
		if err != nil {
			p.logger.Warn("processor poll failed", "cursor", p.cursor, "error", err)
			return
		}
		if len(events) == 0 {
			return
		}
		for _, event := range events {
			if _, err := p.ledger.Ingest(ctx, event); err != nil {
				if errors.Is(err, ErrInvalidEvent) {
					p.logger.Warn("polled event rejected",
						"processor_id", event.ProcessorID, "error", err)
					continue
				}
				// Infrastructure failure: hold the cursor and retry the
				// whole page next tick.
				p.logger.Warn("polled event ingest failed",
					"processor_id", event.ProcessorID, "cursor", p.cursor, "error", err)
				return
			}
		}
		p.cursor = next
		if next == "" {
			return
		}
	}
}

// HTTPSource pages a processor's transactions endpoint.
type HTTPSource struct {
	client   *http.Client
	endpoint string
	token    string
}

// NewHTTPSource constructs a source for endpoint, authenticated with a
// bearer token when one is configured.
func NewHTTPSource(endpoint, token string) *HTTPSource {
	return &HTTPSource{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: endpoint,
		token:    token,
	}
}

// FetchEvents requests one page of events.
func (s *HTTPSource) FetchEvents(ctx context.Context, cursor string, limit int) ([]Event, string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("processor returned %s", resp.Status)
	}
	var payload struct {
		Events     []Event `json:"events"`
		NextCursor string  `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("decode processor page: %w", err)
	}
	return payload.Events, payload.NextCursor, nil
}
