// Package caption asks hosted image-to-text models for a caption of a public image URL,
// falling back through an ordered model list until one answers with a usable caption.
package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stefando/imageCaptionAWS/internal/httpclient"
	"github.com/stefando/imageCaptionAWS/internal/logging"
	"github.com/stefando/imageCaptionAWS/internal/metrics"
)

// MaxResponseBytes bounds how much of a model response is read
const MaxResponseBytes = 1 << 20

var (
	// ErrMissingToken is returned when no inference bearer token is configured
	ErrMissingToken = errors.New("inference token not configured")

	// ErrAllModelsFailed is wrapped by every ExhaustedError
	ErrAllModelsFailed = errors.New("all models failed to generate a valid caption")
)

// Model is one caption backend in the fallback list
type Model struct {
	ID string
}

// Endpoint returns the inference URL for the model under baseURL
func (m Model) Endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/models/" + m.ID
}

// Attempt records how a single model call ended
type Attempt struct {
	Model      string
	Result     string
	StatusCode int
	Err        error
}

// ExhaustedError is returned when no model produced a usable caption
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	return ErrAllModelsFailed.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return ErrAllModelsFailed
}

// Config configures a Resolver
type Config struct {
	Token   string
	BaseURL string
	Models  []string
	// Timeout bounds each model call
	Timeout time.Duration
}

// Resolver queries caption models in priority order
type Resolver struct {
	httpClient *http.Client
	token      string
	baseURL    string
	models     []Model
	timeout    time.Duration
	logger     *slog.Logger
}

// NewResolver creates a resolver. A nil httpClient gets one built from cfg.Timeout.
func NewResolver(cfg Config, httpClient *http.Client, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = httpclient.NewHTTPClient(httpclient.DefaultConfig(cfg.Timeout))
	}
	if logger == nil {
		logger = logging.Discard()
	}

	models := make([]Model, 0, len(cfg.Models))
	for _, id := range cfg.Models {
		models = append(models, Model{ID: id})
	}

	return &Resolver{
		httpClient: httpClient,
		token:      cfg.Token,
		baseURL:    cfg.BaseURL,
		models:     models,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

// Resolve returns the first usable caption for imageURL. Models are tried one at a time and
// the loop stops at the first success.
func (r *Resolver) Resolve(ctx context.Context, imageURL string) (string, error) {
	if r.token == "" {
		return "", ErrMissingToken
	}

	payload, err := json.Marshal(map[string]string{"inputs": imageURL})
	if err != nil {
		return "", fmt.Errorf("failed to encode inference request: %w", err)
	}

	exhausted := &ExhaustedError{}
	for _, model := range r.models {
		if ctx.Err() != nil {
			break
		}

		r.logger.DebugContext(ctx, "trying caption model", "model", model.ID)
		text, attempt := r.try(ctx, model, payload)
		metrics.CaptionAttemptsTotal.WithLabelValues(model.ID, attempt.Result).Inc()

		if attempt.Result == metrics.AttemptSuccess {
			r.logger.InfoContext(ctx, "caption generated", "model", model.ID)
			return text, nil
		}

		r.logger.WarnContext(ctx, "caption model failed, trying next",
			"model", model.ID,
			"result", attempt.Result,
			"status", attempt.StatusCode,
			"error", attempt.Err,
		)
		exhausted.Attempts = append(exhausted.Attempts, attempt)
	}

	return "", exhausted
}

// try makes one call to model. Only the first element's generated_text is used; an empty
// array or an empty string falls through to the next model, any other string is returned as is.
func (r *Resolver) try(ctx context.Context, model Model, payload []byte) (string, Attempt) {
	attempt := Attempt{Model: model.ID}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, model.Endpoint(r.baseURL), bytes.NewReader(payload))
	if err != nil {
		attempt.Result, attempt.Err = metrics.AttemptTransport, err
		return "", attempt
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		attempt.Result, attempt.Err = metrics.AttemptTransport, err
		return "", attempt
	}
	defer resp.Body.Close()
	attempt.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBytes))
		attempt.Result = metrics.AttemptHTTPError
		attempt.Err = fmt.Errorf("model returned HTTP %d", resp.StatusCode)
		return "", attempt
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, MaxResponseBytes)
	if err != nil {
		attempt.Result = metrics.AttemptTransport
		if httpclient.IsResponseTooLarge(err) {
			attempt.Result = metrics.AttemptInvalidShape
		}
		attempt.Err = fmt.Errorf("failed to read response: %w", err)
		return "", attempt
	}

	captions, err := parseCaptions(body)
	if err != nil {
		attempt.Result, attempt.Err = metrics.AttemptInvalidShape, err
		return "", attempt
	}
	if len(captions) == 0 || captions[0] == "" {
		attempt.Result = metrics.AttemptEmptyResponse
		attempt.Err = errors.New("response held no caption text")
		return "", attempt
	}

	attempt.Result = metrics.AttemptSuccess
	return captions[0], attempt
}
