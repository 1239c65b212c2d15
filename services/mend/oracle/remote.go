// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

// Transport is the remote half of the oracle: it turns one error plus
// context into raw candidates, or an error. Implementations must honor
// ctx cancellation; the caller owns timeouts.
type Transport interface {
	Generate(ctx context.Context, rec *collector.ErrorRecord, bundle collector.ContextBundle) ([]rawCandidate, error)
	Name() string
}

// OpenAITransport drives an OpenAI-compatible chat-completion endpoint.
type OpenAITransport struct {
	client *openai.Client
	model  string
}

// NewOpenAITransport builds a transport from the environment. The key
// comes from OPENAI_API_KEY or, failing that, the conventional secrets
// mount. The model defaults to gpt-4o-mini.
func NewOpenAITransport() (*OpenAITransport, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		raw, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret not found at %s", secretPath)
		}
		apiKey = strings.TrimSpace(string(raw))
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAITransport{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// NewOpenAITransportWithClient wires an existing client, mainly so the
// base URL can be pointed at a local OpenAI-compatible server.
func NewOpenAITransportWithClient(client *openai.Client, model string) *OpenAITransport {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAITransport{client: client, model: model}
}

// Generate implements Transport.
func (t *OpenAITransport) Generate(ctx context.Context, rec *collector.ErrorRecord, bundle collector.ContextBundle) ([]rawCandidate, error) {
	prompt, err := buildPrompt(rec, bundle)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       t.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("oracle call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("oracle returned no choices")
	}

	return parseCandidates(resp.Choices[0].Message.Content)
}

// Name implements Transport.
func (t *OpenAITransport) Name() string {
	return "openai/" + t.model
}
