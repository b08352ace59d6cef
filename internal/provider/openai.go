package provider

import (
	"context"
	"time"

	"lumen/internal/models"
	"lumen/internal/prompt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"go.uber.org/zap"
)

type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	TopP        float64
	Timeout     time.Duration
	MaxRetries  int
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client openai.Client
	opts   Options
	log    *zap.Logger
}

func NewOpenAI(opts Options, log *zap.Logger) *OpenAI {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		opts:   opts,
		log:    log,
	}
}

func (o *OpenAI) Stream(ctx context.Context, req prompt.Request) Stream {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.opts.Model),
		Messages:    toMessages(req),
		Temperature: openai.Float(o.opts.Temperature),
		TopP:        openai.Float(o.opts.TopP),
	}
	o.log.Debug("opening completion stream",
		zap.String("model", o.opts.Model),
		zap.Int("messages", len(params.Messages)),
	)
	return &chunkStream{inner: o.client.Chat.Completions.NewStreaming(ctx, params), log: o.log}
}

func toMessages(req prompt.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleUser:
			if len(m.Parts) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Type == prompt.PartImage {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL}))
				} else {
					parts = append(parts, openai.TextContentPart(p.Text))
				}
			}
			out = append(out, openai.UserMessage(parts))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}

// chunkStream flattens completion chunks into their non-empty content deltas.
type chunkStream struct {
	inner *ssestream.Stream[openai.ChatCompletionChunk]
	log   *zap.Logger
	cur   string
	err   error
}

func (s *chunkStream) Next() bool {
	if s.err != nil {
		return false
	}
	for s.inner.Next() {
		chunk := s.inner.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason == "content_filter" {
			s.err = &Failure{Kind: FailurePolicy, Description: "Blocked by the provider's content policy.", Err: ErrContentFiltered}
			return false
		}
		if choice.FinishReason == "length" {
			s.log.Warn("response truncated by length limit")
		}
		if choice.Delta.Content == "" {
			continue
		}
		s.cur = choice.Delta.Content
		return true
	}
	s.err = s.inner.Err()
	return false
}

func (s *chunkStream) Current() string { return s.cur }
func (s *chunkStream) Err() error      { return s.err }
func (s *chunkStream) Close() error    { return s.inner.Close() }
