package heuristic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	text   string
	err    error
	model  string
	config *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, _ []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.config = model, config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestGeminiTransport(t *testing.T) {
	summary := Summarize(sampleStatement(5), nil, nil, Limits{MaxSamples: 5})

	t.Run("fenced answer", func(t *testing.T) {
		gen := &fakeGenerator{text: "```json\n{\"confidence\": 0.65, \"rationale\": \"backdated adjustments\"}\n```"}
		tr := &GeminiTransport{models: gen, model: "gemini-2.5-flash"}

		resp, err := tr.Call(context.Background(), summary)
		require.NoError(t, err)
		require.NoError(t, resp.Validate())
		assert.Equal(t, 0.65, *resp.Confidence)
		assert.Equal(t, "backdated adjustments", resp.Rationale)
		assert.Equal(t, "gemini-2.5-flash", gen.model)
		assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	})

	t.Run("prose answer", func(t *testing.T) {
		tr := &GeminiTransport{models: &fakeGenerator{text: "I think this is fine."}, model: "m"}
		_, err := tr.Call(context.Background(), summary)
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("api error", func(t *testing.T) {
		tr := &GeminiTransport{models: &fakeGenerator{err: errors.New("quota exceeded")}, model: "m"}
		_, err := tr.Call(context.Background(), summary)
		assert.ErrorContains(t, err, "quota exceeded")
	})
}

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"confidence":0.1}`, `{"confidence":0.1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```\n", `{"a":1}`},
		{"surrounding prose", "Here you go: {\"a\":1} hope it helps", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanModelJSON(tt.raw))
		})
	}
}
