package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

// newOpenAIClient builds a client honouring an optional base URL, which is
// how self-hosted OpenAI-compatible servers and tests are targeted.
func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// NewOpenAIEmbedder creates an embedder from the embedding configuration.
func NewOpenAIEmbedder(config domain.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("embedding api key is required for provider openai")
	}
	model := config.Model
	if model == "" {
		model = "text-embedding-3-small"
		config.Model = model
	}
	dimension := config.ResolvedDimension()
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive for model %s, got %d", model, dimension)
	}
	return &OpenAIEmbedder{
		client:    newOpenAIClient(config.APIKey, config.BaseURL),
		model:     model,
		dimension: dimension,
	}, nil
}

// Dimension returns the configured vector length
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Embed requests a single embedding. The returned length is not checked here;
// the normalizer rejects vectors that do not match Dimension.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classifyAPIError("embedding", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return vec, nil
}

// OpenAIClassifier labels symptom text with a body system using a chat model.
type OpenAIClassifier struct {
	client *openai.Client
	model  string
	labels []string
}

// NewOpenAIClassifier creates a classifier restricted to the given labels.
func NewOpenAIClassifier(config domain.EmbeddingConfig, labels []string) (*OpenAIClassifier, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("classifier api key is required for provider openai")
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("at least one label is required")
	}
	model := config.ClassifierModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClassifier{
		client: newOpenAIClient(config.APIKey, config.BaseURL),
		model:  model,
		labels: append([]string(nil), labels...),
	}, nil
}

type classificationReply struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classify asks the model for a JSON label/confidence pair. Labels outside the
// allowed set are reported as the last allowed label, which callers configure
// as the catch-all.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	prompt := fmt.Sprintf(
		"Classify the symptom into exactly one body system from this list: %s. "+
			"Reply with JSON only, in the form {\"label\": \"...\", \"confidence\": 0.0}.",
		strings.Join(c.labels, ", "))

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return domain.Classification{}, classifyAPIError("classification", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Classification{}, fmt.Errorf("classification response contained no choices")
	}

	var reply classificationReply
	content := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return domain.Classification{}, fmt.Errorf("failed to parse classification reply: %w", err)
	}

	label := strings.ToLower(strings.TrimSpace(reply.Label))
	if !c.allowed(label) {
		label = c.labels[len(c.labels)-1]
	}
	return domain.Classification{Label: label, Confidence: reply.Confidence}, nil
}

func (c *OpenAIClassifier) allowed(label string) bool {
	for _, l := range c.labels {
		if l == label {
			return true
		}
	}
	return false
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// classifyAPIError marks throttling, server-side failures and timeouts as
// transient. Everything else is returned unchanged.
func classifyAPIError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s request timed out: %v", domain.ErrTransient, op, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s request failed with status %d: %v", domain.ErrTransient, op, status, err)
	}
	return fmt.Errorf("%s request failed: %w", op, err)
}
