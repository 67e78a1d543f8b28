package assistant

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Note is a ranked knowledge-base paragraph.
type Note struct {
	Text  string
	Score float64
}

// IndexOption tunes an Index.
type IndexOption func(*indexConfig)

type indexConfig struct {
	minRunes  int
	stopwords map[string]struct{}
}

// WithMinNoteRunes drops notes shorter than n runes.
func WithMinNoteRunes(n int) IndexOption {
	return func(c *indexConfig) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

// WithStopwords ignores words when scoring.
func WithStopwords(words ...string) IndexOption {
	return func(c *indexConfig) {
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				c.stopwords[w] = struct{}{}
			}
		}
	}
}

var defaultStopwords = []string{
	"a", "an", "and", "are", "for", "how", "i", "in", "is", "it", "my",
	"of", "on", "or", "should", "the", "to", "what", "with",
}

type note struct {
	text   string
	runes  int
	tokens map[string]struct{}
}

// Index is a read-only keyword index over finance notes, safe for
// concurrent use. Notes are ranked by Jaccard similarity of word sets.
type Index struct {
	cfg   indexConfig
	notes []note
}

// NewIndex indexes paragraphs.
func NewIndex(paragraphs []string, opts ...IndexOption) *Index {
	cfg := indexConfig{minRunes: 20, stopwords: map[string]struct{}{}}
	WithStopwords(defaultStopwords...)(&cfg)
	for _, o := range opts {
		o(&cfg)
	}
	ix := &Index{cfg: cfg}
	for _, p := range paragraphs {
		t := strings.Join(strings.Fields(p), " ")
		n := utf8.RuneCountInString(t)
		if t == "" || n < cfg.minRunes {
			continue
		}
		toks := tokenize(t, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		ix.notes = append(ix.notes, note{text: t, runes: n, tokens: toks})
	}
	return ix
}

// ReadIndex indexes markdown read from r. See ParseNotes.
func ReadIndex(r io.Reader, opts ...IndexOption) (*Index, error) {
	paras, err := ParseNotes(r)
	if err != nil {
		return nil, err
	}
	return NewIndex(paras, opts...), nil
}

// LoadIndex indexes the markdown file at path.
func LoadIndex(path string, opts ...IndexOption) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIndex(f, opts...)
}

// Len reports the number of indexed notes.
func (ix *Index) Len() int { return len(ix.notes) }

// TopK returns up to k notes sharing words with q, best first. Ties go to
// the shorter note, then lexical order.
func (ix *Index) TopK(q string, k int) []Note {
	if k <= 0 {
		k = 3
	}
	qt := tokenize(q, ix.cfg.stopwords)
	if len(qt) == 0 || len(ix.notes) == 0 {
		return nil
	}

	type scored struct {
		n     *note
		score float64
	}
	var hits []scored
	for i := range ix.notes {
		n := &ix.notes[i]
		over := overlap(qt, n.tokens)
		if over == 0 {
			continue
		}
		union := len(qt) + len(n.tokens) - over
		hits = append(hits, scored{n: n, score: float64(over) / float64(union)})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		if hits[a].n.runes != hits[b].n.runes {
			return hits[a].n.runes < hits[b].n.runes
		}
		return hits[a].n.text < hits[b].n.text
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Note, len(hits))
	for i, h := range hits {
		out[i] = Note{Text: h.n.text, Score: h.score}
	}
	return out
}

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// ParseNotes splits markdown into paragraphs. Table rows become standalone
// notes with their cells joined by spaces; separator rows and headings
// markers are dropped.
func ParseNotes(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out  []string
		para []string
	)
	flush := func() {
		if len(para) > 0 {
			out = append(out, strings.Join(para, " "))
			para = nil
		}
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|"):
			flush()
			if row := tableRow(line); row != "" {
				out = append(out, row)
			}
		default:
			para = append(para, strings.TrimSpace(strings.TrimLeft(line, "#")))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

func tableRow(line string) string {
	cells := strings.Split(strings.Trim(line, "|"), "|")
	kept := make([]string, 0, len(cells))
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if strings.Trim(c, ":- ") == "" {
			continue
		}
		kept = append(kept, c)
	}
	return strings.Join(kept, " ")
}

const noMatchReply = "I could not find anything about that in my notes. Could you rephrase the question?"

// Librarian answers from an Index, quoting the best matching notes. When no
// note matches it delegates to Fallback, or apologizes when Fallback is nil.
type Librarian struct {
	Index    *Index
	K        int
	Delay    time.Duration
	Fallback Orchestrator
}

// Stream implements Orchestrator.
func (l *Librarian) Stream(ctx context.Context, req Request, emit Emit) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	notes := l.Index.TopK(prompt, l.K)
	if len(notes) == 0 {
		if l.Fallback != nil {
			return l.Fallback.Stream(ctx, req, emit)
		}
		return streamWords(ctx, "knowledge", noMatchReply, l.Delay, emit)
	}
	parts := make([]string, 0, len(notes)+1)
	parts = append(parts, personaOf(req)+" here. From my notes:")
	for _, n := range notes {
		parts = append(parts, n.Text)
	}
	return streamWords(ctx, "knowledge", strings.Join(parts, " "), l.Delay, emit)
}
