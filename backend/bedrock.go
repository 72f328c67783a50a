package backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/itsneelabh/orchestra/logging"
)

// BedrockAdapter implements Adapter over AWS Bedrock's Converse API, giving
// the registry a remote/cloud backend option that doesn't depend on a
// provider-specific HTTP wire format.
type BedrockAdapter struct {
	client  *bedrockruntime.Client
	modelID string
	logger  logging.Logger
}

func NewBedrockAdapter(client *bedrockruntime.Client, modelID string, logger logging.Logger) *BedrockAdapter {
	return &BedrockAdapter{client: client, modelID: modelID, logger: logging.Fallback(logger)}
}

var _ Adapter = (*BedrockAdapter)(nil)

func (a *BedrockAdapter) Send(ctx context.Context, prompt string, opts Options) (*Response, error) {
	model := opts.RouterModel
	if model == "" {
		model = a.modelID
	}

	maxTokens := int32(opts.MaxTokens)
	out, err := a.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(maxTokens),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}

	var content string
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*types.ContentBlockMemberText); ok {
				content += tb.Value
			}
		}
	}

	finish := FinishStop
	if out.StopReason == types.StopReasonMaxTokens {
		finish = FinishLength
	}

	total := 0
	if out.Usage != nil {
		total = int(aws.ToInt32(out.Usage.TotalTokens))
	}

	return &Response{
		Content: content,
		Metadata: ResponseMetadata{
			FinishReason: finish,
			ModelID:      model,
		},
		Usage: Usage{TotalTokens: total},
	}, nil
}
