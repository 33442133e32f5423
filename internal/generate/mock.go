package generate

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Mock returns canned documents after a random delay in [MinLatency, MaxLatency].
type Mock struct {
	MinLatency time.Duration
	MaxLatency time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMock(minLatency, maxLatency time.Duration) *Mock {
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &Mock{
		MinLatency: minLatency,
		MaxLatency: maxLatency,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Mock) Generate(ctx context.Context, prompt string) (string, error) {
	if d := m.latency(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	return MockResponse(prompt), nil
}

func (m *Mock) latency() time.Duration {
	spread := m.MaxLatency - m.MinLatency
	if spread <= 0 {
		return m.MinLatency
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m.MinLatency + time.Duration(m.rnd.Int63n(int64(spread)))
}

// MockResponse is the canned content for a prompt. Only the instruction at the head of
// the prompt is matched so embedded dependency content does not change the answer.
func MockResponse(prompt string) string {
	instruction, _, _ := strings.Cut(prompt, ":")
	switch {
	case strings.Contains(instruction, "Technical Specification"):
		return mockTechSpec
	case strings.Contains(instruction, "(PRD)"):
		return mockPRD
	}
	head := prompt
	if r := []rune(prompt); len(r) > 100 {
		head = string(r[:100])
	}
	return "This is a mock response for a prompt about: " + head + "..."
}

const mockPRD = `# Product Requirements Document (PRD)

## 1. Introduction
- **Problem:** Small businesses struggle with providing 24/7 customer support.
- **Solution:** An AI-powered SaaS that offers an intelligent, trainable chatbot.

## 2. User Personas
- **Primary:** Sarah, a small e-commerce store owner.

## 3. Core Features
- Chatbot widget for websites.
- Knowledge base integration.
- Analytics dashboard.
`

const mockTechSpec = `# Technical Specification

## 1. Architecture
- **Frontend:** Single Page Application (React/Angular).
- **Backend:** Microservices architecture using Python (FastAPI).
- **Database:** PostgreSQL for structured data, Redis for caching.
- **Deployment:** Docker containers orchestrated with Kubernetes.

## 2. API Design
- RESTful API for standard operations.
- WebSocket for real-time chat communication.
`
