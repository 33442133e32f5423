package generate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"

	"boardroom/internal/generate"
	"boardroom/internal/pipeline"
)

func TestMockResponseByStage(t *testing.T) {
	stages := pipeline.Stages()
	prd := generate.MockResponse(stages[0].BuildPrompt("chatbot", nil))
	if !strings.HasPrefix(prd, "# Product Requirements Document") {
		t.Fatalf("expected PRD, got %q", prd)
	}
	spec := generate.MockResponse("Based on the following PRD, create a Technical Specification. PRD: " + prd)
	if !strings.HasPrefix(spec, "# Technical Specification") {
		t.Fatalf("expected tech spec, got %q", spec)
	}
	cost := generate.MockResponse("Based on the following Tech Spec, create a Cost Analysis and Pricing model. Tech Spec: " + spec)
	if !strings.HasPrefix(cost, "This is a mock response for a prompt about: Based on the following Tech Spec") {
		t.Fatalf("expected generic response, got %q", cost)
	}
	if !strings.HasSuffix(cost, "...") || len([]rune(cost)) != len([]rune("This is a mock response for a prompt about: "))+100+3 {
		t.Fatalf("expected truncated prompt, got %q", cost)
	}
}

func TestMockHonorsContext(t *testing.T) {
	m := generate.NewMock(time.Second, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Generate(ctx, "anything")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMockWithoutLatency(t *testing.T) {
	m := generate.NewMock(0, 0)
	out, err := m.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if out != "This is a mock response for a prompt about: hello..." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	g, closeFn, err := generate.New(context.Background(), generate.Options{Provider: "mock"})
	if err != nil || g == nil || closeFn == nil {
		t.Fatalf("mock provider: %v", err)
	}
	if _, _, err := generate.New(context.Background(), generate.Options{Provider: "oracle"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	t.Setenv("BOARDROOM_TEST_EMPTY_KEY", "")
	if _, _, err := generate.New(context.Background(), generate.Options{Provider: "gemini", APIKeyEnv: "BOARDROOM_TEST_EMPTY_KEY"}); err == nil {
		t.Fatalf("expected missing api key error")
	}
}

func TestExtractTextJoinsParts(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("a"), genai.Text("b")}},
	}}}
	got, err := generate.ExtractText(resp)
	if err != nil || got != "ab" {
		t.Fatalf("got %q %v", got, err)
	}
	if _, err := generate.ExtractText(&genai.GenerateContentResponse{}); err == nil {
		t.Fatalf("expected error for empty response")
	}
}
