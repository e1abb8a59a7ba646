package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"

	"google.golang.org/api/option"

	"tradechat-backend/internal/chat"
	"tradechat-backend/internal/models"
)

// GeminiService implements the completion gateway over the Gemini API. One
// request in, one full response out; no retries, no streaming.
type GeminiService struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	rateChan chan struct{} // Token bucket
}

func NewGeminiService(apiKey, modelName string, concurrentReqs int) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.3)
	model.SetTopP(0.95)

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:   client,
		model:    model,
		rateChan: rateChan,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Complete sends the ordered content list to Gemini and returns the generated
// segments in order. Text segments are trimmed; inline images come back as
// base64 with their MIME type.
func (s *GeminiService) Complete(ctx context.Context, contents []models.MessageContent) ([]models.MessageContent, error) {
	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}
	defer s.releaseRate()

	if len(contents) == 0 {
		return nil, fmt.Errorf("empty content list")
	}

	parts := make([]genai.Part, 0, len(contents))
	for _, c := range contents {
		switch c.Kind {
		case models.ContentImage:
			data, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding inline image: %w", err)
			}
			parts = append(parts, genai.Blob{MIMEType: c.MIMEType, Data: data})
		default:
			parts = append(parts, genai.Text(c.Text))
		}
	}

	resp, err := s.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	output := extractSegments(resp)
	if len(output) == 0 {
		return nil, chat.ErrNoContent
	}
	return output, nil
}

// extractSegments normalizes the first candidate's parts into ordered output
// segments.
func extractSegments(resp *genai.GenerateContentResponse) []models.MessageContent {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}

	var segments []models.MessageContent
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text := strings.TrimSpace(string(p))
			if text != "" {
				segments = append(segments, models.TextContent(text))
			}
		case genai.Blob:
			segments = append(segments, models.ImageContent(
				p.MIMEType, base64.StdEncoding.EncodeToString(p.Data)))
		}
	}
	return segments
}
