package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Complexity verdicts.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Analysis is the analyzer's best-effort static judgment. Advisory only: it is
// never authoritative over correctness.
type Analysis struct {
	DerivedComplexity string `json:"derived_complexity"`
	Verdict           string `json:"verdict"`
}

// Analyzer checks a correct solution against the expected asymptotic
// complexity.
type Analyzer interface {
	Analyze(ctx context.Context, code, expectedComplexity string) (*Analysis, error)
}

// AnalyzerClient is the HTTP implementation of Analyzer.
type AnalyzerClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewAnalyzerClient creates a complexity analyzer client.
func NewAnalyzerClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *AnalyzerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AnalyzerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "complexity_analyzer").Logger(),
	}
}

type analyzeRequest struct {
	Code               string `json:"code"`
	ExpectedComplexity string `json:"expected_complexity"`
}

// Analyze submits code for asymptotic analysis.
func (c *AnalyzerClient) Analyze(ctx context.Context, code, expectedComplexity string) (*Analysis, error) {
	body, err := json.Marshal(analyzeRequest{Code: code, ExpectedComplexity: expectedComplexity})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var analysis Analysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return &analysis, nil
}
