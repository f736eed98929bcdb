package chatgraph

import (
	"fmt"
	"strings"

	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
)

const reflectionSystem = `You analyze a visitor's message for a business chat assistant.
Respond with a JSON object only:
{
  "language": "<ISO 639-1 code of the visitor's language>",
  "confidence": <0.0-1.0>,
  "intent": "<question|chitchat|contact|complaint|other>",
  "needs_retrieval": <true if answering requires business knowledge>,
  "rewritten_query": "<standalone search query resolving pronouns from history>",
  "followup_action": "<short follow-up the assistant should work toward this turn, e.g. offer to book a call; empty if none>",
  "visitor_info": {"name": "", "email": "", "phone": "", "address": ""}
}
Only fill visitor_info fields the visitor explicitly stated. Omit empty fields.`

func buildReflectionMessages(st *State) []llm.Message {
	var b strings.Builder
	if st.LongTermMemory != "" {
		b.WriteString("Known about this visitor:\n")
		b.WriteString(st.LongTermMemory)
		b.WriteString("\n\n")
	}
	if n := len(st.History); n > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range tail(st.History, 6) {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Visitor message: %s", st.Query)

	return []llm.Message{
		{Role: "system", Content: reflectionSystem},
		{Role: "user", Content: b.String()},
	}
}

func buildAnswerMessages(st *State, chunks []retrieval.Chunk) []llm.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, the assistant for this business.", botName(st))
	if st.Bot.Description != "" {
		fmt.Fprintf(&sys, " %s", st.Bot.Description)
	}
	sys.WriteString("\nAnswer using only the provided context. If the context does not cover the question, say so and offer to take the visitor's contact details.")
	if lang := st.Reflection.Language; lang != "" && lang != "en" {
		fmt.Fprintf(&sys, "\nRespond in the visitor's language (%s).", lang)
	}
	if profile := profileText(st.MergedVisitor()); profile != "" {
		sys.WriteString("\n\nVisitor profile:\n")
		sys.WriteString(profile)
	}
	if st.LongTermMemory != "" {
		sys.WriteString("\n\nKnown about this visitor:\n")
		sys.WriteString(st.LongTermMemory)
	}
	if action := st.Reflection.FollowupAction; action != "" {
		fmt.Fprintf(&sys, "\n\nAfter answering, work toward this follow-up: %s", action)
	}
	if len(chunks) > 0 {
		sys.WriteString("\n\nContext:\n")
		for i, c := range chunks {
			fmt.Fprintf(&sys, "[%d] %s\n", i+1, c.Text)
		}
	}

	msgs := []llm.Message{{Role: "system", Content: sys.String()}}
	msgs = append(msgs, tail(st.History, 10)...)
	msgs = append(msgs, llm.Message{Role: "user", Content: st.Query})
	return msgs
}

func buildChitchatMessages(st *State) []llm.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, a friendly assistant for this business.", botName(st))
	if st.Bot.Description != "" {
		fmt.Fprintf(&sys, " %s", st.Bot.Description)
	}
	sys.WriteString("\nKeep replies short and warm. Steer the conversation toward how the business can help.")
	if lang := st.Reflection.Language; lang != "" && lang != "en" {
		fmt.Fprintf(&sys, "\nRespond in the visitor's language (%s).", lang)
	}

	msgs := []llm.Message{{Role: "system", Content: sys.String()}}
	msgs = append(msgs, tail(st.History, 6)...)
	msgs = append(msgs, llm.Message{Role: "user", Content: st.Query})
	return msgs
}

const groundednessSystem = `You grade whether an answer is supported by the given context.
Respond with a JSON object only: {"score": 0|1|2}
2 = every claim is supported, 1 = partially supported, 0 = unsupported.`

func buildGroundednessMessages(st *State, answer string) []llm.Message {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, c := range st.Chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Text)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\nAnswer: %s", st.Query, answer)
	return []llm.Message{
		{Role: "system", Content: groundednessSystem},
		{Role: "user", Content: b.String()},
	}
}

const memorySystem = `You maintain a running summary of what a business knows about a chat visitor.
Respond with a JSON object only:
{"summary": "<short bullet list of durable facts: needs, preferences, context>"}
Keep the summary under 10 bullets. Drop stale or trivial facts.`

func buildMemoryMessages(st *State) []llm.Message {
	var b strings.Builder
	if st.LongTermMemory != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(st.LongTermMemory)
		b.WriteString("\n\n")
	}
	if n := len(st.History); n > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range tail(st.History, 10) {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Latest exchange:\n")
	fmt.Fprintf(&b, "visitor: %s\n", st.Query)
	fmt.Fprintf(&b, "assistant: %s", st.Response)
	return []llm.Message{
		{Role: "system", Content: memorySystem},
		{Role: "user", Content: b.String()},
	}
}

const contactSystem = `You decide whether a chat visitor asked to be contacted or agreed to share contact details in this exchange.
Respond with a JSON object only: {"contact_requested": <true|false>}`

func buildContactMessages(st *State) []llm.Message {
	var b strings.Builder
	b.WriteString("Latest exchange:\n")
	fmt.Fprintf(&b, "visitor: %s\n", st.Query)
	fmt.Fprintf(&b, "assistant: %s", st.Response)
	return []llm.Message{
		{Role: "system", Content: contactSystem},
		{Role: "user", Content: b.String()},
	}
}

func profileText(p VisitorProfile) string {
	var lines []string
	if p.Name != "" {
		lines = append(lines, "- Name: "+p.Name)
	}
	if p.Email != "" {
		lines = append(lines, "- Email: "+p.Email)
	}
	if p.Phone != "" {
		lines = append(lines, "- Phone: "+p.Phone)
	}
	if p.Address != "" {
		lines = append(lines, "- Address: "+p.Address)
	}
	return strings.Join(lines, "\n")
}

func botName(st *State) string {
	if st.Bot.Name != "" {
		return st.Bot.Name
	}
	return "the assistant"
}

// tail returns at most the last n messages.
func tail(msgs []llm.Message, n int) []llm.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
