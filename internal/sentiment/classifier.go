package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/moodwatch/moodwatch-bot/internal/health"
	"github.com/moodwatch/moodwatch-bot/internal/models"
)

// MinAnalyzableLength is the shortest content the pipeline sends to the
// classifier. Callers pre-filter; Classify does not re-check.
const MinAnalyzableLength = 3

// Result is a single classification outcome. Score is the label's ordinal
// position (0 = very negative .. 4 = very positive).
type Result struct {
	Label      string
	Score      int
	Confidence float64
}

// Fallback is returned whenever the remote classifier cannot produce a usable
// result. Ingestion must not stall on classifier outages, so Classify degrades
// to neutral instead of failing.
func Fallback() Result {
	return Result{Label: models.SentimentNeutral, Score: 2, Confidence: 0}
}

var validLabels = map[string]bool{
	models.SentimentVeryNegative: true,
	models.SentimentNegative:     true,
	models.SentimentNeutral:      true,
	models.SentimentPositive:     true,
	models.SentimentVeryPositive: true,
}

// Client calls the remote text-classification API.
type Client struct {
	BaseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	aggregator *health.Aggregator
}

// NewClient creates a classifier client. ratePerSecond bounds outbound calls;
// aggregator may be nil.
func NewClient(baseURL, apiKey string, ratePerSecond float64, aggregator *health.Aggregator) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	return &Client{
		BaseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		aggregator: aggregator,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Label      *string  `json:"label"`
	Score      *float64 `json:"score"`
	Confidence *float64 `json:"confidence"`
}

// Classify scores a piece of text. It never returns an error: any remote
// failure (network, bad status, malformed response, missing fields) is logged
// and degraded to the neutral fallback.
func (c *Client) Classify(ctx context.Context, text string) Result {
	result, err := c.classify(ctx, text)
	success := err == nil
	if c.aggregator != nil {
		c.aggregator.RecordCall(success)
	}
	if err != nil {
		log.Printf("Error classifying message, using neutral fallback: %v", err)
		return Fallback()
	}
	return result
}

func (c *Client) classify(ctx context.Context, text string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("classifier API returned status %d", resp.StatusCode)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	if parsed.Label == nil || parsed.Score == nil {
		return Result{}, fmt.Errorf("classifier response missing required fields")
	}
	if !validLabels[*parsed.Label] {
		return Result{}, fmt.Errorf("classifier returned unknown label %q", *parsed.Label)
	}

	confidence := 0.0
	if parsed.Confidence != nil {
		confidence = clampFloat(*parsed.Confidence, 0, 1)
	}

	return Result{
		Label:      *parsed.Label,
		Score:      clampScore(*parsed.Score),
		Confidence: confidence,
	}, nil
}

// clampScore rounds and clamps a reported score into the declared 0..4 range.
func clampScore(score float64) int {
	rounded := int(math.Round(score))
	if rounded < 0 {
		return 0
	}
	if rounded > 4 {
		return 4
	}
	return rounded
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
