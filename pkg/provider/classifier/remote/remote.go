// Package remote provides a [classifier.Classifier] that delegates to an
// external model server over HTTP.
//
// The server receives the feature vector and the sensitivity-derived threshold
// and answers with a label and confidence:
//
//	POST {baseURL}/classify
//	{"features":[...],"sensitivity":5,"threshold":0.7}
//	→ {"label":"apnea","confidence":0.82}
//
// An empty label in the response means the model had no reliable answer and
// maps to a nil result. Transport failures, non-2xx statuses and unknown labels
// are errors so a fallback classifier can take over.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
	"github.com/somnolog/somnolog/pkg/types"
)

const defaultTimeout = 2 * time.Second

// maxErrorBody caps how much of an error response is quoted in errors.
const maxErrorBody = 512

var _ classifier.Classifier = (*Classifier)(nil)

// Option is a functional option for configuring a Classifier.
type Option func(*Classifier)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Classifier) { c.apiKey = key }
}

// WithModel names the model the server should use. Empty uses the server default.
func WithModel(model string) Option {
	return func(c *Classifier) { c.model = model }
}

// WithTimeout sets the per-request timeout. Defaults to 2s.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client. Its Timeout is used as-is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Classifier) { c.httpClient = hc }
}

// Classifier calls a remote model server. Safe for concurrent use.
type Classifier struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a Classifier for the server at baseURL (e.g.
// "http://localhost:9000"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Classifier, error) {
	if baseURL == "" {
		return nil, errors.New("remote: baseURL must not be empty")
	}
	c := &Classifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type classifyRequest struct {
	Model       string    `json:"model,omitempty"`
	Features    []float64 `json:"features"`
	Sensitivity int       `json:"sensitivity"`
	Threshold   float64   `json:"threshold"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, fv features.Vector, sensitivity int) (*classifier.Result, error) {
	if len(fv) == 0 {
		return nil, nil
	}
	sensitivity = classifier.ClampSensitivity(sensitivity)
	body, err := json.Marshal(classifyRequest{
		Model:       c.model,
		Features:    fv,
		Sensitivity: sensitivity,
		Threshold:   classifier.Threshold(sensitivity),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: classify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("remote: classify: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("remote: decode response: %w", err)
	}
	if out.Label == "" {
		return nil, nil
	}
	label := types.Label(out.Label)
	if !label.IsValid() {
		return nil, fmt.Errorf("remote: unknown label %q", out.Label)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("remote: confidence %f out of range", out.Confidence)
	}
	return &classifier.Result{Label: label, Confidence: out.Confidence}, nil
}
