package generator

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

func drain(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	var chunks []string
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestStaticSource(t *testing.T) {
	t.Run("replays response in chunks", func(t *testing.T) {
		src := &StaticSource{Response: "hello workflow", ChunkSize: 4}
		s, err := src.Stream(context.Background(), Request{Prompt: "x"})
		if err != nil {
			t.Fatalf("Stream failed: %v", err)
		}
		defer s.Close()

		chunks, err := drain(t, s)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(chunks) != 4 {
			t.Errorf("expected 4 chunks, got %d: %q", len(chunks), chunks)
		}
		if strings.Join(chunks, "") != "hello workflow" {
			t.Errorf("chunks do not reassemble: %q", chunks)
		}
	})

	t.Run("empty response ends immediately", func(t *testing.T) {
		s, _ := (&StaticSource{}).Stream(context.Background(), Request{})
		if _, err := s.Recv(); !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF, got %v", err)
		}
	})

	t.Run("configured error", func(t *testing.T) {
		boom := errors.New("upstream down")
		if _, err := (&StaticSource{Err: boom}).Stream(context.Background(), Request{}); !errors.Is(err, boom) {
			t.Errorf("expected configured error, got %v", err)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		src := &StaticSource{Response: strings.Repeat("x", 100), ChunkSize: 1, Delay: 10 * time.Millisecond}
		s, _ := src.Stream(ctx, Request{})
		if _, err := s.Recv(); err != nil {
			t.Fatalf("first chunk failed: %v", err)
		}
		cancel()
		if _, err := drain(t, s); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("close stops the stream", func(t *testing.T) {
		s, _ := (&StaticSource{Response: "abcdef", ChunkSize: 1}).Stream(context.Background(), Request{})
		s.Recv()
		s.Close()
		if _, err := s.Recv(); !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF after close, got %v", err)
		}
	})
}

func TestSystemPrompt(t *testing.T) {
	t.Run("without current workflow", func(t *testing.T) {
		p := SystemPrompt(nil)
		if strings.Contains(p, "CURRENT WORKFLOW") {
			t.Error("prompt should not mention a baseline")
		}
		if !strings.Contains(p, `"type": "start|process|decision|end"`) {
			t.Error("prompt should describe the JSON format")
		}
	})

	t.Run("anchors on current workflow", func(t *testing.T) {
		current := &graph.Graph{Nodes: []graph.Node{{ID: "1", Label: "Receive order", Type: graph.NodeStart}}}
		p := SystemPrompt(current)
		if !strings.Contains(p, "CURRENT WORKFLOW") || !strings.Contains(p, "Receive order") {
			t.Errorf("prompt should embed current workflow: %s", p)
		}
	})

	t.Run("empty current workflow is ignored", func(t *testing.T) {
		if strings.Contains(SystemPrompt(&graph.Graph{}), "CURRENT WORKFLOW") {
			t.Error("empty graph should not be used as baseline")
		}
	})
}

func TestMessages(t *testing.T) {
	msgs := Messages(Request{Prompt: "Create an onboarding workflow"})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[1].Role != schema.User {
		t.Errorf("unexpected roles %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Create an onboarding workflow" {
		t.Errorf("unexpected user content %q", msgs[1].Content)
	}
}

func TestNewEinoSourceRequiresKey(t *testing.T) {
	if _, err := NewEinoSource(context.Background(), EinoConfig{}); err == nil {
		t.Error("expected error without api key")
	}
}
