package heuristic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const reviewPrompt = "You are a bank statement fraud reviewer.\n\n" +
	"You receive a JSON summary of one bank statement: the account and period, the transaction count,\n" +
	"findings from statistical and document integrity checks, and a sample of transaction lines.\n\n" +
	"Task:\n" +
	"- Judge how likely it is that the statement was fabricated or tampered with.\n" +
	"- Pay attention to transaction narratives that look like manual ledger edits, reversals or backdating.\n" +
	"- Do not repeat the findings; weigh them.\n\n" +
	"Return ONLY a raw JSON object with exactly these fields:\n" +
	"- \"confidence\": number between 0 and 1 (1 means certainly fraudulent)\n" +
	"- \"rationale\": string, at most three sentences\n" +
	"Do NOT wrap the response in code fences.\n"

// contentGenerator is the subset of *genai.Models used by GeminiTransport.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiTransport asks a Gemini model to review the summary.
type GeminiTransport struct {
	models contentGenerator
	model  string
}

// NewGeminiTransport creates a Gemini API client for model.
func NewGeminiTransport(ctx context.Context, apiKey, model string) (*GeminiTransport, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiTransport{models: client.Models, model: model}, nil
}

// Call implements Transport.
func (t *GeminiTransport) Call(ctx context.Context, summary Summary) (Response, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode summary: %w", err)
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: reviewPrompt},
				{Text: string(payload)},
			},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	}

	resp, err := t.models.GenerateContent(ctx, t.model, contents, config)
	if err != nil {
		return Response{}, fmt.Errorf("generate content: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return Response{}, fmt.Errorf("%w: empty response from model", ErrInvalidResponse)
	}

	var out Response
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return out, nil
}

// cleanModelJSON strips Markdown fences and surrounding prose from a model
// answer, keeping the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}
