// Package llm wraps the OpenAI-compatible chat completion API behind a
// small oracle interface the pipeline stages consume. The inference
// runtime itself (vLLM, Ollama, hosted OpenAI) is external; this client
// is stateless, deadline-bounded, and falls back to a backup endpoint
// when one is configured.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable is returned when every configured endpoint failed.
var ErrUnavailable = errors.New("llm unavailable")

// Request is one oracle call. Model may be empty to use the default.
type Request struct {
	System    string
	User      string
	Model     string
	MaxTokens int
	// JSONMode asks the runtime for a JSON object response.
	JSONMode bool
}

// Chunk is one streamed token span. Final marks the terminal boundary;
// no chunks follow it.
type Chunk struct {
	Text  string
	Final bool
}

// Client is the stateless LLM oracle used by stages A, AB, C, and D.
// Implementations must honor ctx deadlines; callers always attach one.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	// CompleteJSON unmarshals the response into out, with one repair
	// pass that strips markdown fencing.
	CompleteJSON(ctx context.Context, req Request, out any) error
	// Stream emits a lazy, finite token sequence ending with a Final
	// chunk. The channel closes after the final chunk.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config configures the OpenAI-compatible client.
type Config struct {
	BaseURL       string
	BackupBaseURL string
	APIKey        string
	Model         string
	CallTimeout   time.Duration
}

// OpenAIClient implements Client over any OpenAI-compatible endpoint.
type OpenAIClient struct {
	primary *openai.Client
	backup  *openai.Client
	model   string
	timeout time.Duration
}

// New creates a client. An empty API key is allowed for local runtimes.
func New(cfg Config) *OpenAIClient {
	c := &OpenAIClient{
		primary: newSDKClient(cfg.BaseURL, cfg.APIKey),
		model:   cfg.Model,
		timeout: cfg.CallTimeout,
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if cfg.BackupBaseURL != "" {
		c.backup = newSDKClient(cfg.BackupBaseURL, cfg.APIKey)
	}
	return c
}

func newSDKClient(baseURL, apiKey string) *openai.Client {
	if apiKey == "" {
		apiKey = "unused"
	}
	sdkCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		sdkCfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(sdkCfg)
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.User,
	})

	ccr := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.JSONMode {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return ccr
}

// Complete performs one chat completion, trying the backup endpoint if
// the primary fails.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ccr := c.buildRequest(req, false)

	resp, err := c.primary.CreateChatCompletion(ctx, ccr)
	if err != nil && c.backup != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("primary llm endpoint failed, trying backup")
		resp, err = c.backup.CreateChatCompletion(ctx, ccr)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choice list", ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON runs Complete in JSON mode and unmarshals the result.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, req Request, out any) error {
	req.JSONMode = true
	content, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	return UnmarshalLoose(content, out)
}

// Stream emits tokens as they arrive and a terminal Final chunk.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	stream, err := c.primary.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil && c.backup != nil && ctx.Err() == nil {
		stream, err = c.backup.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	out := make(chan Chunk)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Chunk{Final: true}
				return
			}
			if err != nil {
				log.Warn().Err(err).Msg("llm stream interrupted")
				out <- Chunk{Final: true}
				return
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				select {
				case out <- Chunk{Text: resp.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// UnmarshalLoose parses JSON that may be wrapped in markdown fencing or
// surrounded by prose — the one repair pass the pipeline allows before
// declaring the response invalid.
func UnmarshalLoose(content string, out any) error {
	content = strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	// Strip ```json fences.
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err == nil {
			return nil
		}
	}

	// Last resort: the outermost braces.
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("invalid JSON response: %.120s", content)
}
