package llm

import (
	"context"
	"strings"
)

// Mock is an in-memory Client for tests: scripted responses consumed in
// order, with errors interleaved where set.
type Mock struct {
	Responses []MockResponse
	Calls     []CompletionRequest
	// Keys records the API key passed to each call, letting rotation tests
	// assert which credential was used without logging real material.
	Keys []string
}

type MockResponse struct {
	Content string
	Usage   Usage
	Err     error
}

func (m *Mock) next() MockResponse {
	if len(m.Responses) == 0 {
		return MockResponse{Content: ""}
	}
	r := m.Responses[0]
	m.Responses = m.Responses[1:]
	return r
}

func (m *Mock) Complete(_ context.Context, apiKey string, req CompletionRequest) (*CompletionResponse, error) {
	m.Calls = append(m.Calls, req)
	m.Keys = append(m.Keys, apiKey)
	r := m.next()
	if r.Err != nil {
		return nil, r.Err
	}
	return &CompletionResponse{Content: r.Content, Usage: r.Usage}, nil
}

func (m *Mock) StreamComplete(_ context.Context, apiKey string, req CompletionRequest, onToken func(string)) (*CompletionResponse, error) {
	m.Calls = append(m.Calls, req)
	m.Keys = append(m.Keys, apiKey)
	r := m.next()
	if r.Err != nil {
		return nil, r.Err
	}
	if onToken != nil {
		for _, tok := range strings.SplitAfter(r.Content, " ") {
			if tok != "" {
				onToken(tok)
			}
		}
	}
	return &CompletionResponse{Content: r.Content, Usage: r.Usage}, nil
}
