package scoring

import (
	"fmt"
	"strings"

	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
)

const gradingSystem = `You grade a sales conversation between a business assistant and a website visitor.
Respond with a JSON object only:
{
  "score": <0-100 lead quality>,
  "category": "<hot|warm|cold>",
  "intent_signals": ["..."],
  "engagement_level": "<high|medium|low>",
  "key_interests": ["..."],
  "recommended_actions": ["..."],
  "reasoning": "<2-3 sentences>"
}`

// buildGradingMessages aggregates the per-question excerpts into one
// judgement prompt.
func buildGradingMessages(questions []string, contexts [][]retrieval.Chunk) []llm.Message {
	var b strings.Builder
	for i, question := range questions {
		fmt.Fprintf(&b, "Question: %s\n", question)
		if i < len(contexts) && len(contexts[i]) > 0 {
			b.WriteString("Conversation excerpts:\n")
			for j, c := range contexts[i] {
				fmt.Fprintf(&b, "[%d] %s\n", j+1, c.Text)
			}
		} else {
			b.WriteString("No relevant conversation excerpts were found.\n")
		}
		b.WriteString("\n")
	}
	return []llm.Message{
		{Role: "system", Content: gradingSystem},
		{Role: "user", Content: b.String()},
	}
}

const questionSystem = `You answer one assessment question about a visitor using excerpts of their conversation.
Respond with a JSON object only:
{"answer": "<concise answer>", "answered": <false if the conversation does not cover it>, "evidence": "<supporting quote>"}`

func buildQuestionMessages(question string, chunks []retrieval.Chunk) []llm.Message {
	var b strings.Builder
	if len(chunks) > 0 {
		b.WriteString("Conversation excerpts:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Text)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No relevant conversation excerpts were found.\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", question)
	return []llm.Message{
		{Role: "system", Content: questionSystem},
		{Role: "user", Content: b.String()},
	}
}

const summarySystem = `You summarize an assessment of a website visitor.
Respond with a JSON object only:
{"summary": "<3-4 sentence profile of the visitor>", "lead_score": <0-100>}`

func buildSummaryMessages(results []QuestionResult) []llm.Message {
	var b strings.Builder
	b.WriteString("Assessment answers:\n")
	for _, r := range results {
		status := "answered"
		if !r.Answered {
			status = "not covered"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Question, status, r.Answer)
	}
	return []llm.Message{
		{Role: "system", Content: summarySystem},
		{Role: "user", Content: b.String()},
	}
}
