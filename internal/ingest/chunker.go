// Package ingest turns uploaded files and crawled pages into embedded
// chunks in the bot's vector collection, and handles the document
// lifecycle tasks (upload, crawl, recrawl, delete).
package ingest

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Chunk is one window of source text ready for embedding.
type Chunk struct {
	Text    string
	Section string
	Index   int
}

// Chunker splits text on structural boundaries first (markdown-style
// headings), then windows each section by token count with overlap so a
// fact on a window edge appears in both neighbors.
type Chunker struct {
	chunkSize int
	overlap   int
	encoding  *tiktoken.Tiktoken
}

func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 50
	}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get encoding: %w", err)
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap, encoding: encoding}, nil
}

// CountTokens returns the token count of text under the chunker's encoding.
func (c *Chunker) CountTokens(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

type section struct {
	heading string
	text    string
}

// Split chunks the whole document. Section headings are prepended to each
// chunk cut from that section so retrieval hits keep their context.
func (c *Chunker) Split(text string) []Chunk {
	var out []Chunk
	for _, sec := range splitSections(text) {
		for _, window := range c.window(sec.text) {
			body := window
			if sec.heading != "" {
				body = sec.heading + "\n" + window
			}
			out = append(out, Chunk{Text: body, Section: sec.heading, Index: len(out)})
		}
	}
	return out
}

// splitSections cuts on markdown headings; text before the first heading
// forms an unnamed leading section.
func splitSections(text string) []section {
	var sections []section
	current := section{}
	flush := func() {
		if strings.TrimSpace(current.text) != "" {
			sections = append(sections, current)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush()
			current = section{heading: strings.TrimSpace(line)}
			continue
		}
		current.text += line + "\n"
	}
	flush()

	if len(sections) == 0 && strings.TrimSpace(text) != "" {
		sections = append(sections, section{text: text})
	}
	return sections
}

// window slices one section into token-bounded pieces with overlap. Lines
// are the atom; a single line longer than the chunk size is split by rune
// count as a fallback.
func (c *Chunker) window(text string) []string {
	lines := strings.Split(strings.Trim(text, "\n"), "\n")

	var windows []string
	var cur []string
	curTokens := 0

	flush := func() {
		if joined := strings.TrimSpace(strings.Join(cur, "\n")); joined != "" {
			windows = append(windows, joined)
		}
	}

	for _, line := range lines {
		lineTokens := c.CountTokens(line + "\n")

		if lineTokens > c.chunkSize {
			flush()
			cur, curTokens = nil, 0
			windows = append(windows, c.splitLongLine(line)...)
			continue
		}

		if curTokens+lineTokens > c.chunkSize && len(cur) > 0 {
			flush()
			cur = c.overlapTail(cur)
			curTokens = c.CountTokens(strings.Join(cur, "\n"))
		}
		cur = append(cur, line)
		curTokens += lineTokens
	}
	flush()
	return windows
}

// overlapTail keeps the trailing lines of the finished window, bounded by
// the overlap token budget.
func (c *Chunker) overlapTail(lines []string) []string {
	if c.overlap == 0 {
		return nil
	}
	var kept []string
	tokens := 0
	for i := len(lines) - 1; i >= 0; i-- {
		lineTokens := c.CountTokens(lines[i] + "\n")
		if tokens+lineTokens > c.overlap {
			break
		}
		kept = append([]string{lines[i]}, kept...)
		tokens += lineTokens
	}
	return kept
}

func (c *Chunker) splitLongLine(line string) []string {
	// ~4 chars per token keeps the fallback windows near the budget.
	step := c.chunkSize * 4
	runes := []rune(line)

	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + step
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
