// Package backend provides Anthropic-backed generation for the
// provider gateway, over the direct API or AWS Bedrock.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/crucible/internal/gateway"
)

// ClientConfig contains configuration for creating a new Anthropic backend.
type ClientConfig struct {
	// Name identifies this backend in gateway routing and reports.
	Name string
	// Model is the Claude model to use when a request does not name one.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// MaxTokens caps the response size. Zero means 8192.
	MaxTokens int64
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// Anthropic is a gateway.GenerationBackend over the Anthropic SDK.
type Anthropic struct {
	name      string
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	bedrock   bool
}

// New creates an Anthropic backend.
func New(cfg ClientConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}

	return &Anthropic{
		name:      name,
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		bedrock:   cfg.UseAWSBedrock,
	}, nil
}

// Name implements gateway.GenerationBackend.
func (a *Anthropic) Name() string {
	return a.name
}

// Generate implements gateway.GenerationBackend. Rate limits and
// server-side failures come back wrapped as transient so the gateway
// retries them; everything else fails fast.
func (a *Anthropic) Generate(ctx context.Context, req gateway.GenerationRequest) (*gateway.GenerationResult, error) {
	model := a.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
		if a.bedrock {
			model = translateModelForBedrock(model)
		}
	}

	resp, err := a.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	return &gateway.GenerationResult{
		Output:    text.String(),
		Model:     string(model),
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}, nil
}

// classify wraps provider errors that are worth retrying.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return gateway.Transient(err)
		}
		return err
	}
	// Connection-level failures have no status code.
	return gateway.Transient(err)
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}
