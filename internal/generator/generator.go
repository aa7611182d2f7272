// Package generator streams model output for workflow generation requests.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

// Request is a single generation request.
type Request struct {
	Prompt  string
	Current *graph.Graph // latest persisted workflow, if any
}

// Stream yields output chunks. Recv returns io.EOF after the last chunk.
type Stream interface {
	Recv() (string, error)
	Close()
}

// Source starts generation streams.
type Source interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// EinoConfig configures the OpenAI-compatible chat model.
type EinoConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// EinoSource generates workflows with an OpenAI-compatible chat model.
type EinoSource struct {
	model *openai.ChatModel
}

// NewEinoSource creates the chat model client.
func NewEinoSource(ctx context.Context, cfg EinoConfig) (*EinoSource, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 5000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	maxTokens := cfg.MaxTokens
	model, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		MaxTokens: &maxTokens,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return &EinoSource{model: model}, nil
}

// Stream starts a streaming completion for req.
func (s *EinoSource) Stream(ctx context.Context, req Request) (Stream, error) {
	reader, err := s.model.Stream(ctx, Messages(req))
	if err != nil {
		return nil, fmt.Errorf("start completion stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			return "", err
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (s *einoStream) Close() {
	s.reader.Close()
}

// Messages builds the chat transcript sent to the model.
func Messages(req Request) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(SystemPrompt(req.Current)),
		schema.UserMessage(req.Prompt),
	}
}

// SystemPrompt returns the workflow design instructions, anchored on the
// current workflow when one exists.
func SystemPrompt(current *graph.Graph) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if current != nil && !current.IsEmpty() {
		data, err := json.Marshal(current)
		if err == nil {
			b.WriteString("\n\nCURRENT WORKFLOW (use this as your baseline for any modifications):\n")
			b.Write(data)
			b.WriteString("\n\nWhen making changes, start with this exact workflow and ONLY modify what the user specifically requests.")
		}
	}
	b.WriteString(guidelines)
	return b.String()
}

const basePrompt = `You are a helpful assistant that helps companies design and visualize process workflows. You can communicate in English and Spanish.

When the user requests a workflow:
1. Provide a brief explanation of the workflow (1-3 sentences) in the user's language
2. ALWAYS include the workflow as valid JSON in this exact format: {"nodes": [{"id": "1", "label": "Step name", "type": "start|process|decision|end"}], "edges": [{"from": "1", "to": "2"}]}
3. NEVER return empty responses - always provide both explanation and JSON`

const guidelines = `

Guidelines:
- For NEW workflows: create from scratch based on the user's description
- For UPDATES: start with the current workflow JSON and only modify the nodes and edges the user mentioned
- Preserve node IDs, labels, types and edges that are not being changed
- When adding a node, append it with the next sequential ID
- When removing a node, remove every edge that connects to or from it and reconnect its parent to the first branch
- Use sequential IDs starting from "1" for new workflows
- MUST include exactly one "start" node and at least one "end" node
- Use "decision" type for branching points
- Ensure all edges connect existing node IDs
- Keep labels clear and concise (max 80 characters), in the user's language

Spanish keywords to recognize: flujo, diagrama, proceso, flujo de trabajo, flowchart
English keywords: workflow, flowchart, process, flow

ALWAYS provide both explanation AND valid JSON.`

// StaticSource replays a fixed response in chunks.
type StaticSource struct {
	Response  string
	ChunkSize int
	Delay     time.Duration
	Err       error // returned by Stream when set
}

// Stream returns a stream over the configured response.
func (s *StaticSource) Stream(ctx context.Context, req Request) (Stream, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 16
	}
	return &staticStream{ctx: ctx, text: s.Response, size: size, delay: s.Delay}, nil
}

type staticStream struct {
	ctx   context.Context
	text  string
	pos   int
	size  int
	delay time.Duration
}

func (s *staticStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.text) {
		return "", io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	end := s.pos + s.size
	if end > len(s.text) {
		end = len(s.text)
	}
	chunk := s.text[s.pos:end]
	s.pos = end
	return chunk, nil
}

func (s *staticStream) Close() {
	s.pos = len(s.text)
}
