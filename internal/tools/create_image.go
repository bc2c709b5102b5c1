package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

// credentialProvider is a narrow interface for providers that expose API
// credentials, so the tool can call endpoints the Chat API does not cover.
type credentialProvider interface {
	APIKey() string
	APIBase() string
}

// imageGenTargets are tried in order; the first registered provider wins.
var imageGenTargets = []struct {
	provider string
	model    string
}{
	{"openrouter", "google/gemini-2.5-flash-image"},
	{"gemini", "gemini-2.0-flash-exp"},
	{"openai", "dall-e-3"},
}

// CreateImageTool generates images through an OpenAI-compatible chat
// endpoint with image modalities (OpenRouter image models, DALL-E).
type CreateImageTool struct {
	registry *providers.Registry
	client   *http.Client
}

func NewCreateImageTool(registry *providers.Registry) *CreateImageTool {
	return &CreateImageTool{
		registry: registry,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (t *CreateImageTool) Name() string { return "create_image" }

func (t *CreateImageTool) Description() string {
	return "Generate an image from a text description using an image generation model. Returns a MEDIA: path to the generated image file."
}

func (t *CreateImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Text description of the image to generate.",
			},
			"aspect_ratio": map[string]interface{}{
				"type":        "string",
				"description": "Aspect ratio: '1:1' (default), '3:4', '4:3', '9:16', '16:9'.",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *CreateImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("prompt is required")
	}
	aspectRatio, _ := args["aspect_ratio"].(string)
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}

	name, model, p := t.pickImageProvider()
	if p == nil {
		return ErrorResult(fmt.Sprintf("image generation provider %q not available", name))
	}
	creds, ok := p.(credentialProvider)
	if !ok {
		return ErrorResult(fmt.Sprintf("provider %q does not expose API credentials for image generation", name))
	}

	slog.Info("create_image: calling image generation API",
		"provider", name, "model", model, "aspect_ratio", aspectRatio)

	imageBytes, usage, err := t.generate(ctx, creds, model, prompt, aspectRatio)
	if err != nil {
		return ErrorResult(fmt.Sprintf("image generation failed: %v", err))
	}

	imagePath := filepath.Join(os.TempDir(), fmt.Sprintf("omniclaw_gen_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(imagePath, imageBytes, 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to save generated image: %v", err))
	}

	result := &Result{ForLLM: "MEDIA:" + imagePath}
	result.Provider = name
	result.Model = model
	result.Usage = usage
	return result
}

// pickImageProvider returns the first registered target. When none is
// registered the first target's name is returned for the error message.
func (t *CreateImageTool) pickImageProvider() (string, string, providers.Provider) {
	for _, target := range imageGenTargets {
		if p, err := t.registry.Get(target.provider); err == nil {
			return target.provider, target.model, p
		}
	}
	return imageGenTargets[0].provider, "", nil
}

func (t *CreateImageTool) generate(ctx context.Context, creds credentialProvider, model, prompt, aspectRatio string) ([]byte, *providers.Usage, error) {
	payload := map[string]interface{}{
		"model": model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": prompt},
		},
		"modalities": []string{"image", "text"},
	}
	if aspectRatio != "" && aspectRatio != "1:1" {
		payload["image_config"] = map[string]interface{}{"aspect_ratio": aspectRatio}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(creds.APIBase(), "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("API error %d: %s", resp.StatusCode, truncateStr(string(body), 500))
	}
	return extractGeneratedImage(body)
}

type imageGenResponse struct {
	Choices []struct {
		Message struct {
			Content interface{} `json:"content"`
			Images  []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (r *imageGenResponse) usage() *providers.Usage {
	if r.Usage == nil {
		return nil
	}
	return &providers.Usage{
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		TotalTokens:      r.Usage.TotalTokens,
	}
}

// extractGeneratedImage pulls base64 image data out of the chat response:
// OpenRouter puts it in message.images, some providers return a multipart
// content array with image_url parts.
func extractGeneratedImage(body []byte) ([]byte, *providers.Usage, error) {
	var resp imageGenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	for _, img := range msg.Images {
		if raw, err := decodeDataURL(img.ImageURL.URL); err == nil {
			return raw, resp.usage(), nil
		}
	}

	if parts, ok := msg.Content.([]interface{}); ok {
		for _, part := range parts {
			m, ok := part.(map[string]interface{})
			if !ok || m["type"] != "image_url" {
				continue
			}
			imgURL, _ := m["image_url"].(map[string]interface{})
			u, _ := imgURL["url"].(string)
			if raw, err := decodeDataURL(u); err == nil {
				return raw, resp.usage(), nil
			}
		}
	}
	return nil, nil, fmt.Errorf("no image data found in response")
}

// decodeDataURL decodes a data:image/...;base64,... URL into raw bytes.
func decodeDataURL(dataURL string) ([]byte, error) {
	_, b64, found := strings.Cut(dataURL, ";base64,")
	if !found {
		return nil, fmt.Errorf("not a base64 data URL")
	}
	return base64.StdEncoding.DecodeString(b64)
}
