package router

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockClient implements InferenceClient against AWS Bedrock's Converse
// API, mirroring the teacher's AI provider shape for the cloud tier.
type BedrockClient struct {
	client *bedrockruntime.Client
}

// NewBedrockClient wraps an already-configured bedrockruntime client.
func NewBedrockClient(client *bedrockruntime.Client) *BedrockClient {
	return &BedrockClient{client: client}
}

func (c *BedrockClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	messages := []types.Message{
		{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.Prompt},
			},
		},
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	inferenceConfig := &types.InferenceConfiguration{}
	configSet := false
	if req.MaxTokens > 0 {
		inferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configSet = true
	}
	if req.Temperature > 0 {
		inferenceConfig.Temperature = aws.Float32(req.Temperature)
		configSet = true
	}
	if configSet {
		input.InferenceConfig = inferenceConfig
	}

	output, err := c.client.Converse(ctx, input)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("router: bedrock converse: %w", err)
	}
	if output.Output == nil {
		return ChatResponse{}, fmt.Errorf("router: empty bedrock output")
	}

	var content string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	default:
		return ChatResponse{}, fmt.Errorf("router: unexpected bedrock output type")
	}
	if content == "" {
		return ChatResponse{}, fmt.Errorf("router: no text content in bedrock response")
	}

	resp := ChatResponse{Content: content, Model: req.Model}
	if output.Usage != nil {
		resp.TokensIn = int(*output.Usage.InputTokens)
		resp.TokensOut = int(*output.Usage.OutputTokens)
	}
	return resp, nil
}
