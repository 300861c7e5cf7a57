package auditors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/time/rate"
)

// GrammarIssue is one problem reported by a grammar service. Offset and
// Length are in runes relative to the checked text.
type GrammarIssue struct {
	RuleID       string
	Category     string
	Message      string
	Offset       int
	Length       int
	Replacements []string
}

// GrammarChecker checks one batch of text.
type GrammarChecker interface {
	Check(ctx context.Context, text, language string) ([]GrammarIssue, error)
}

// LanguageTool calls the /v2/check endpoint of a LanguageTool server.
type LanguageTool struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewLanguageTool creates a client for baseURL, throttled to perSecond
// requests with the given per-request timeout.
func NewLanguageTool(baseURL string, perSecond float64, timeout time.Duration) *LanguageTool {
	if perSecond <= 0 {
		perSecond = 2
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LanguageTool{
		endpoint: strings.TrimRight(baseURL, "/") + "/v2/check",
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

type ltResponse struct {
	Matches []struct {
		Message      string `json:"message"`
		Offset       int    `json:"offset"`
		Length       int    `json:"length"`
		Replacements []struct {
			Value string `json:"value"`
		} `json:"replacements"`
		Rule struct {
			ID       string `json:"id"`
			Category struct {
				ID string `json:"id"`
			} `json:"category"`
		} `json:"rule"`
	} `json:"matches"`
}

func (lt *LanguageTool) Check(ctx context.Context, text, language string) ([]GrammarIssue, error) {
	if err := lt.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	form := url.Values{"text": {text}, "language": {language}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lt.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build grammar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := lt.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("grammar service request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("grammar service returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed ltResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode grammar response: %w", err)
	}

	units := utf16Index(text)
	issues := make([]GrammarIssue, 0, len(parsed.Matches))
	for _, m := range parsed.Matches {
		start := units.runeAt(m.Offset)
		issue := GrammarIssue{
			RuleID:   m.Rule.ID,
			Category: m.Rule.Category.ID,
			Message:  m.Message,
			Offset:   start,
			Length:   units.runeAt(m.Offset+m.Length) - start,
		}
		for _, r := range m.Replacements {
			issue.Replacements = append(issue.Replacements, r.Value)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// utf16Offsets maps UTF-16 code unit offsets, which the service reports, to
// rune offsets.
type utf16Offsets []int

func utf16Index(text string) utf16Offsets {
	var idx utf16Offsets
	for i, r := range []rune(text) {
		idx = append(idx, i)
		if utf16.RuneLen(r) == 2 {
			idx = append(idx, i)
		}
	}
	return idx
}

func (u utf16Offsets) runeAt(unit int) int {
	if unit < len(u) {
		return u[unit]
	}
	if len(u) == 0 {
		return 0
	}
	return u[len(u)-1] + 1
}
