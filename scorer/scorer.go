// scorer/scorer.go
package scorer

import (
	"context"
	"fmt"
	"time"

	"atra_engine/market"

	"github.com/go-resty/resty/v2"
)

// Score is the external sentiment/ML verdict for one symbol.
type Score struct {
	Probability    float64 `json:"probability"` // P(move in signal direction), in [0, 1]
	ExpectedReturn float64 `json:"expected_return"`
}

// Scorer produces sentiment/ML scores. Absence of the service must never
// block the signal pipeline: implementations report failures as errors
// wrapping market.ErrDataUnavailable and the filter boundary degrades them.
type Scorer interface {
	Score(ctx context.Context, symbol string) (Score, error)
}

// RESTScorer queries the scoring sidecar over HTTP.
type RESTScorer struct {
	http *resty.Client
}

func NewRESTScorer(baseURL string, timeout time.Duration) *RESTScorer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &RESTScorer{http: client}
}

func (s *RESTScorer) Score(ctx context.Context, symbol string) (Score, error) {
	var out Score
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/v1/score")
	if err != nil {
		return Score{}, fmt.Errorf("%w: scorer request for %s failed: %v", market.ErrDataUnavailable, symbol, err)
	}
	if resp.StatusCode() >= 400 {
		return Score{}, fmt.Errorf("%w: scorer returned HTTP %d for %s", market.ErrDataUnavailable, resp.StatusCode(), symbol)
	}
	if out.Probability < 0 || out.Probability > 1 {
		return Score{}, fmt.Errorf("%w: scorer probability %.3f out of range", market.ErrDataUnavailable, out.Probability)
	}
	return out, nil
}

// Static is a fixed-score scorer for tests and simulation runs.
type Static struct {
	Value Score
	Err   error
}

func (s *Static) Score(ctx context.Context, symbol string) (Score, error) {
	if s.Err != nil {
		return Score{}, s.Err
	}
	return s.Value, nil
}
