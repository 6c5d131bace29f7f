// Package vlm abstracts the vision-language model that turns a handwritten
// clinical note image into structured fields. The pipeline consumes only
// the Client interface; the OpenAI-backed implementation is wired in
// production and StaticClient serves tests and offline runs.
package vlm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a single extraction call.
const DefaultTimeout = 30 * time.Second

// Diagnosis is one coded diagnosis extracted from a note.
type Diagnosis struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// StructuredNote is the record a client extracts from a note image. Vitals
// are keyed by the canonical vital names used across the pipeline
// (heart_rate, systolic_bp, diastolic_bp, spo2, respiratory_rate,
// temperature).
type StructuredNote struct {
	PatientName    string             `json:"patient_name"`
	ChiefComplaint string             `json:"chief_complaint,omitempty"`
	Diagnoses      []Diagnosis        `json:"diagnoses,omitempty"`
	Vitals         map[string]float64 `json:"vitals,omitempty"`
}

// Client extracts a structured record from a note image. Implementations
// must honor ctx cancellation and deadlines.
type Client interface {
	Extract(ctx context.Context, image []byte, mime string) (*StructuredNote, error)
}

const extractionPrompt = `You are reading a handwritten clinical note. Reply with a single JSON object and nothing else, using this shape:
{"patient_name": "", "chief_complaint": "", "diagnoses": [{"code": "", "system": "", "display": ""}], "vitals": {"heart_rate": 0, "systolic_bp": 0, "diastolic_bp": 0, "spo2": 0, "respiratory_rate": 0, "temperature": 0}}
Omit vitals you cannot read. Use ICD-10 codes where legible.`

// OpenAIClient implements Client against an OpenAI-compatible
// vision-capable chat endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client. baseURL may be empty for the public
// endpoint; model defaults to gpt-4o when empty.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// Extract sends the image as a data-URI vision message and decodes the JSON
// reply.
func (c *OpenAIClient) Extract(ctx context.Context, image []byte, mime string) (*StructuredNote, error) {
	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: extractionPrompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURI,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vlm: extraction call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("vlm: empty completion")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var note StructuredNote
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &note); err != nil {
		return nil, fmt.Errorf("vlm: completion is not valid JSON: %w", err)
	}
	return &note, nil
}

// StaticClient returns a fixed note on every call. It still honors ctx so
// timeout behavior is testable.
type StaticClient struct {
	Note  StructuredNote
	Delay time.Duration // optional artificial latency
}

// Extract implements Client.
func (s *StaticClient) Extract(ctx context.Context, _ []byte, _ string) (*StructuredNote, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	note := s.Note
	return &note, nil
}
