package llmprovider

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
)

// Anthropic is a Provider backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model

	totalCalls  atomic.Int64
	totalTokens atomic.Int64
}

// NewAnthropic constructs a provider using apiKey and the given model
// (e.g. anthropic.ModelClaudeOpus4_0).
func NewAnthropic(apiKey string, model anthropic.Model) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *Anthropic) Research(ctx context.Context, query string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(query)),
		},
	})
	if err != nil {
		return "", translateAnthropicError(a.Metadata().Name, err)
	}

	a.totalCalls.Add(1)
	a.totalTokens.Add(msg.Usage.InputTokens + msg.Usage.OutputTokens)

	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return "", &fortitudeerrors.ProviderError{
			Provider: a.Metadata().Name,
			Code:     fortitudeerrors.ProviderQueryFailed,
			Message:  "empty response content",
		}
	}
	return out, nil
}

func translateAnthropicError(provider string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := fortitudeerrors.ProviderQueryFailed
		switch apiErr.StatusCode {
		case 401, 403:
			code = fortitudeerrors.ProviderAuthFailed
		case 429:
			code = fortitudeerrors.ProviderQuotaExceeded
		case 503, 529:
			code = fortitudeerrors.ProviderServiceUnavailable
		case 408:
			code = fortitudeerrors.ProviderTimeout
		}
		return &fortitudeerrors.ProviderError{
			Provider:   provider,
			Code:       code,
			Message:    apiErr.Message,
			HTTPStatus: apiErr.StatusCode,
			Cause:      err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &fortitudeerrors.ProviderError{Provider: provider, Code: fortitudeerrors.ProviderTimeout, Message: "deadline exceeded", Cause: err}
	}
	return &fortitudeerrors.ProviderError{Provider: provider, Code: fortitudeerrors.ProviderServiceUnavailable, Message: err.Error(), Cause: err}
}

func (a *Anthropic) Metadata() Metadata {
	return Metadata{Name: "anthropic:" + string(a.model), Version: "messages-v1"}
}

func (a *Anthropic) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return Degraded(err.Error())
	}
	return Healthy()
}

func (a *Anthropic) EstimateCost(query string) CostEstimate {
	tokensIn := len(query) / 4
	return CostEstimate{TokensIn: tokensIn, TokensOut: tokensIn * 2, DurationEst: 3 * time.Second}
}

func (a *Anthropic) UsageStats() UsageStats {
	return UsageStats{TotalCalls: a.totalCalls.Load(), TotalTokens: a.totalTokens.Load()}
}
