package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

const ctxMediaImages toolContextKey = "tool_media_images"

// WithMediaImages stores the current message's encoded images in the
// context so vision tools can reach them.
func WithMediaImages(ctx context.Context, images []providers.ImageContent) context.Context {
	return context.WithValue(ctx, ctxMediaImages, images)
}

// MediaImagesFromCtx retrieves stored images from context.
func MediaImagesFromCtx(ctx context.Context) []providers.ImageContent {
	v, _ := ctx.Value(ctxMediaImages).([]providers.ImageContent)
	return v
}

// visionTargets are tried in order; an empty model means the provider's
// default is vision-capable already.
var visionTargets = []struct {
	provider string
	model    string
}{
	{"openrouter", "google/gemini-2.5-flash-image"},
	{"gemini", ""},
	{"anthropic", ""},
}

// ReadImageTool describes images attached to the current message through a
// vision-capable provider.
type ReadImageTool struct {
	registry *providers.Registry
}

func NewReadImageTool(registry *providers.Registry) *ReadImageTool {
	return &ReadImageTool{registry: registry}
}

func (t *ReadImageTool) Name() string { return "read_image" }

func (t *ReadImageTool) Description() string {
	return "Analyze images attached to the current message using a vision model. Use this when you see <media:image> tags but cannot view images directly."
}

func (t *ReadImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "What you want to know about the image(s). E.g. 'Describe this image in detail' or 'What text is in this image?'",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *ReadImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		prompt = "Describe this image in detail."
	}

	images := MediaImagesFromCtx(ctx)
	if len(images) == 0 {
		return ErrorResult("No images available in this conversation. The user may not have sent an image.")
	}

	provider, model, err := t.pickVisionProvider()
	if err != nil {
		return ErrorResult(err.Error())
	}

	slog.Info("read_image: calling vision provider", "provider", provider.Name(), "model", model, "images", len(images))

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt, Images: images}},
		Model:    model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("Vision provider error: %v", err))
	}

	result := NewResult(resp.Content)
	result.Usage = resp.Usage
	result.Provider = provider.Name()
	result.Model = model
	return result
}

func (t *ReadImageTool) pickVisionProvider() (providers.Provider, string, error) {
	names := make([]string, 0, len(visionTargets))
	for _, target := range visionTargets {
		names = append(names, target.provider)
		p, err := t.registry.Get(target.provider)
		if err != nil {
			continue
		}
		model := target.model
		if model == "" {
			model = p.DefaultModel()
		}
		return p, model, nil
	}
	return nil, "", fmt.Errorf("no vision-capable provider available (need one of: %v)", names)
}
