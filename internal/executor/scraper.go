// Package executor holds the call-out to the scraping subsystem. The queue
// knows nothing about scraping; it hands over a target id and a job type
// and stores whatever summary comes back.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/you/crawlq/internal/domain"
)

// Scraper invokes the external scraping service over HTTP. The service is
// expected to be idempotent per target: re-execution after a lease expiry
// must not duplicate downstream records.
type Scraper struct {
	url    string
	client *http.Client
}

func NewScraper(url string, timeout time.Duration) *Scraper {
	return &Scraper{url: url, client: &http.Client{Timeout: timeout}}
}

type scrapeRequest struct {
	TargetID string `json:"target_id"`
	JobType  string `json:"job_type"`
}

func (s *Scraper) Execute(ctx context.Context, targetID string, jobType domain.JobType) (json.RawMessage, error) {
	body, err := json.Marshal(scrapeRequest{TargetID: targetID, JobType: string(jobType)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "scraper request")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "scraper response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("scraper returned %d: %s", resp.StatusCode, truncate(payload, 256))
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("scraper returned invalid json")
	}
	return payload, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
