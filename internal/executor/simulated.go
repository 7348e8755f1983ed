package executor

import (
	"context"
	"encoding/json"

	"github.com/you/crawlq/internal/domain"
)

// Simulated stands in for the scraping service in dev environments where
// SCRAPER_URL is unset. It reports zero findings and never fails.
type Simulated struct{}

func (Simulated) Execute(_ context.Context, targetID string, _ domain.JobType) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]any{"opportunities_found": 0, "target_id": targetID, "simulated": true})
	return out, nil
}
