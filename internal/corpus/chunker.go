package corpus

import (
	"strings"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// DefaultMaxWords is the target chunk size for raw-text corpora.
const DefaultMaxWords = 100

// Chunker packs raw text into chunks bounded by a word count.
type Chunker struct {
	maxWords int
}

// NewChunker creates a chunker. maxWords <= 0 uses DefaultMaxWords.
func NewChunker(maxWords int) *Chunker {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return &Chunker{maxWords: maxWords}
}

// unit is a paragraph or sentence waiting to be packed.
type unit struct {
	text  string
	words int
	sep   string // joiner placed before this unit when it is not first in a chunk
}

// Split splits text on blank lines into paragraphs and greedily packs them.
// Paragraphs over the bound are packed sentence by sentence instead.
// A single sentence over the bound becomes its own chunk.
func (c *Chunker) Split(text string) []domain.Chunk {
	var units []unit
	for _, para := range splitParagraphs(text) {
		n := countWords(para)
		if n <= c.maxWords {
			units = append(units, unit{text: para, words: n, sep: "\n\n"})
			continue
		}
		for i, sent := range splitSentences(para) {
			sep := " "
			if i == 0 {
				sep = "\n\n"
			}
			units = append(units, unit{text: sent, words: countWords(sent), sep: sep})
		}
	}

	var (
		chunks []domain.Chunk
		buf    strings.Builder
		words  int
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		chunks = append(chunks, domain.Chunk{ID: len(chunks), Text: buf.String()})
		buf.Reset()
		words = 0
	}

	for _, u := range units {
		if words > 0 && words+u.words > c.maxWords {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString(u.sep)
		}
		buf.WriteString(u.text)
		words += u.words
	}
	flush()

	return chunks
}

// splitParagraphs splits on runs of lines that hold only whitespace.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		paras   []string
		current []string
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				paras = append(paras, strings.Join(current, "\n"))
				current = current[:0]
			}
			continue
		}
		current = append(current, strings.TrimRight(line, " \t"))
	}
	if len(current) > 0 {
		paras = append(paras, strings.Join(current, "\n"))
	}
	return paras
}

// splitSentences splits after '.', '!' or '?' when followed by whitespace.
// The terminator stays with its sentence.
func splitSentences(para string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(para); i++ {
		switch para[i] {
		case '.', '!', '?':
			if i+1 < len(para) && isSpace(para[i+1]) {
				if s := strings.TrimSpace(para[start : i+1]); s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(para[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
