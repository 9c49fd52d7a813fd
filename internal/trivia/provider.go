// Package trivia sources question batches from an external provider. The
// engine only depends on the Source interface; the HTTP client speaks the
// Open Trivia DB wire format.
package trivia

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/config"
)

// Item is one raw question as returned by the provider: the correct answer is
// still separate from the distractors and options are unshuffled.
type Item struct {
	Text             string
	CorrectAnswer    string
	IncorrectAnswers []string
	Category         string
	Difficulty       string
}

type Source interface {
	Fetch(ctx context.Context, amount int) ([]Item, error)
}

// ============================================================================
// HTTP CLIENT
// ============================================================================

type Client struct {
	apiURL string
	http   *http.Client
}

func NewClient(cfg *config.TriviaConfig) *Client {
	return &Client{
		apiURL: cfg.APIURL,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

type apiResponse struct {
	ResponseCode int `json:"response_code"`
	Results      []struct {
		Category         string   `json:"category"`
		Type             string   `json:"type"`
		Difficulty       string   `json:"difficulty"`
		Question         string   `json:"question"`
		CorrectAnswer    string   `json:"correct_answer"`
		IncorrectAnswers []string `json:"incorrect_answers"`
	} `json:"results"`
}

func (c *Client) Fetch(ctx context.Context, amount int) ([]Item, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid trivia API URL: %w", err)
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", amount))
	q.Set("type", "multiple")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build trivia request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trivia provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trivia provider returned status %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode trivia response: %w", err)
	}
	if body.ResponseCode != 0 {
		return nil, fmt.Errorf("trivia provider error code %d", body.ResponseCode)
	}

	items := make([]Item, 0, len(body.Results))
	for _, r := range body.Results {
		incorrect := make([]string, len(r.IncorrectAnswers))
		for i, a := range r.IncorrectAnswers {
			incorrect[i] = html.UnescapeString(a)
		}
		items = append(items, Item{
			Text:             html.UnescapeString(r.Question),
			CorrectAnswer:    html.UnescapeString(r.CorrectAnswer),
			IncorrectAnswers: incorrect,
			Category:         html.UnescapeString(r.Category),
			Difficulty:       r.Difficulty,
		})
	}
	return items, nil
}

// ============================================================================
// STATIC SOURCE
// ============================================================================

// StaticSource serves a fixed question list. Used by tests and local runs
// without network access.
type StaticSource struct {
	Items []Item
}

func (s *StaticSource) Fetch(ctx context.Context, amount int) ([]Item, error) {
	if amount > len(s.Items) {
		return s.Items, nil
	}
	return s.Items[:amount], nil
}
