package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/problem"
)

// Supported submission languages.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangJava       = "java"
	LangCpp        = "cpp"
)

var supportedLangs = map[string]bool{
	LangPython:     true,
	LangJavaScript: true,
	LangJava:       true,
	LangCpp:        true,
}

// SupportedLanguage reports whether the sandbox can judge a language.
func SupportedLanguage(lang string) bool {
	return supportedLangs[lang]
}

// ErrUnavailable marks a sandbox failure (down, slow, malformed reply). It is
// a system error, never a correctness verdict.
var ErrUnavailable = errors.New("judging sandbox unavailable")

// CaseResult is one structured per-case outcome. Compile errors, runtime
// errors, timeouts and memory limits arrive here, not as transport errors.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Output   string `json:"output,omitempty"`
	Expected string `json:"expected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is the sandbox verdict for one run.
type Result struct {
	AllPassed   bool         `json:"all_passed"`
	PassedCount int          `json:"passed_count"`
	TotalCount  int          `json:"total_count"`
	Cases       []CaseResult `json:"cases"`
	DurationMs  int64        `json:"duration_ms"`
}

// Runner executes code against test cases in the external sandbox.
type Runner interface {
	RunTestCases(ctx context.Context, lang, source, signature string, cases []problem.TestCase) (*Result, error)
}

// Client is the HTTP implementation of Runner.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a sandbox client.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "judge").Logger(),
	}
}

type runRequest struct {
	Language  string             `json:"language"`
	Source    string             `json:"source"`
	Signature string             `json:"signature"`
	TestCases []problem.TestCase `json:"test_cases"`
}

// RunTestCases submits a run to the sandbox and returns its structured result.
func (c *Client) RunTestCases(ctx context.Context, lang, source, signature string, cases []problem.TestCase) (*Result, error) {
	if !SupportedLanguage(lang) {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}

	body, err := json.Marshal(runRequest{
		Language:  lang,
		Source:    source,
		Signature: signature,
		TestCases: cases,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("sandbox request failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return &result, nil
}
