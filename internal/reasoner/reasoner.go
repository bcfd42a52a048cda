/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reasoner

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/retainly/retainly/config"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

// GeminiReasoner answers single-shot prompts with a Gemini model, asking for JSON output.
type GeminiReasoner struct {
	client *genai.Client
	model  string
}

type Option func(*genai.ClientConfig)

// WithHTTPClient replaces the HTTP client used to reach the API.
func WithHTTPClient(c *http.Client) Option {
	return func(cc *genai.ClientConfig) {
		cc.HTTPClient = c
	}
}

func NewGeminiReasoner(ctx context.Context, cfg config.ReasonerConfig, opts ...Option) (*GeminiReasoner, error) {
	if cfg.ApiKey == "" {
		return nil, errors.New("reasoner api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.ApiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &GeminiReasoner{client: client, model: model}, nil
}

// Evaluate sends prompt with system as the system instruction and returns the raw text answer.
func (g *GeminiReasoner) Evaluate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.2),
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("reasoner returned an empty response")
	}
	return text, nil
}
