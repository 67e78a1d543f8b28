package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-finassist-backend/internal/config"
)

func collect(t *testing.T, o Orchestrator, req Request) ([]string, error) {
	t.Helper()
	var toks []string
	err := o.Stream(context.Background(), req, func(tok string) error {
		toks = append(toks, tok)
		return nil
	})
	return toks, err
}

func TestEcho_StreamsWords(t *testing.T) {
	toks, err := collect(t, Echo{}, Request{Prompt: "  should I buy bonds?  ", Persona: "Advisor"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []string{"Advisor", " here.", " You", " asked:", " should", " I", " buy", " bonds?"}
	if !reflect.DeepEqual(toks, want) {
		t.Fatalf("tokens = %q, want %q", toks, want)
	}
	if got := strings.Join(toks, ""); got != "Advisor here. You asked: should I buy bonds?" {
		t.Fatalf("joined = %q", got)
	}
}

func TestEcho_DefaultPersonaAndEmptyPrompt(t *testing.T) {
	toks, err := collect(t, Echo{}, Request{Prompt: "hi"})
	if err != nil || toks[0] != "Assistant" {
		t.Fatalf("tokens = %q, err = %v", toks, err)
	}
	if _, err := collect(t, Echo{}, Request{Prompt: " \n "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
}

func TestEcho_EmitErrorStops(t *testing.T) {
	stop := errors.New("client gone")
	n := 0
	err := Echo{}.Stream(context.Background(), Request{Prompt: "one two three"}, func(string) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || n != 2 {
		t.Fatalf("err = %v after %d tokens", err, n)
	}
}

func TestEcho_CancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := Echo{Delay: time.Hour}.Stream(ctx, Request{Prompt: "one two three"}, func(string) error {
		n++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) || n != 1 {
		t.Fatalf("err = %v after %d tokens", err, n)
	}
}

const notes = `# Saving

An emergency fund should cover three to six months of essential expenses.

Index funds track a market index and usually carry low fees.

| Account | Tax |
|---------|:-------------:|
| Roth IRA | contributions taxed now, qualified withdrawals tax free |
| 401k | contributions pre-tax, withdrawals taxed |
`

func TestParseNotes(t *testing.T) {
	got, err := ParseNotes(strings.NewReader(notes))
	if err != nil {
		t.Fatalf("ParseNotes: %v", err)
	}
	want := []string{
		"Saving",
		"An emergency fund should cover three to six months of essential expenses.",
		"Index funds track a market index and usually carry low fees.",
		"Account Tax",
		"Roth IRA contributions taxed now, qualified withdrawals tax free",
		"401k contributions pre-tax, withdrawals taxed",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("notes = %q\nwant %q", got, want)
	}
}

func TestIndex_TopK(t *testing.T) {
	ix, err := ReadIndex(strings.NewReader(notes))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	// "Saving" and the table header are shorter than the default minimum.
	if ix.Len() != 4 {
		t.Fatalf("Len = %d, want 4", ix.Len())
	}

	res := ix.TopK("How big should my emergency fund be?", 2)
	if len(res) != 1 || !strings.HasPrefix(res[0].Text, "An emergency fund") {
		t.Fatalf("TopK = %+v", res)
	}
	if res[0].Score <= 0 || res[0].Score > 1 {
		t.Fatalf("score out of range: %v", res[0].Score)
	}

	res = ix.TopK("withdrawals", 0)
	if len(res) != 2 || !strings.HasPrefix(res[0].Text, "401k") {
		t.Fatalf("higher overlap ratio should rank first: %+v", res)
	}

	if res := ix.TopK("the and of", 3); res != nil {
		t.Fatalf("stopword-only query matched: %+v", res)
	}
}

func TestIndex_Options(t *testing.T) {
	ix := NewIndex([]string{"tiny", "bonds pay coupons twice a year"}, WithMinNoteRunes(0), WithStopwords("Bonds"))
	if ix.Len() != 2 {
		t.Fatalf("Len = %d, want 2", ix.Len())
	}
	if res := ix.TopK("bonds", 1); res != nil {
		t.Fatalf("custom stopword still matched: %+v", res)
	}
}

func TestLibrarian(t *testing.T) {
	ix := NewIndex([]string{"Index funds track a market index and usually carry low fees."})

	toks, err := collect(t, &Librarian{Index: ix, K: 1}, Request{Prompt: "what are index funds", Persona: "Penny"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := "Penny here. From my notes: Index funds track a market index and usually carry low fees."
	if got := strings.Join(toks, ""); got != want {
		t.Fatalf("reply = %q", got)
	}

	toks, _ = collect(t, &Librarian{Index: ix}, Request{Prompt: "crypto"})
	if got := strings.Join(toks, ""); got != noMatchReply {
		t.Fatalf("no-match reply = %q", got)
	}

	toks, _ = collect(t, &Librarian{Index: ix, Fallback: Echo{}}, Request{Prompt: "crypto"})
	if got := strings.Join(toks, ""); got != "Assistant here. You asked: crypto" {
		t.Fatalf("fallback reply = %q", got)
	}

	if _, err := collect(t, &Librarian{Index: ix}, Request{}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
}

func TestNew(t *testing.T) {
	o, err := New(config.AssistantConfig{Mode: "echo"})
	if err != nil {
		t.Fatalf("New(echo): %v", err)
	}
	if _, ok := o.(Echo); !ok {
		t.Fatalf("New(echo) = %T", o)
	}

	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte(notes), 0o600); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	o, err = New(config.AssistantConfig{Mode: "knowledge", KnowledgeFile: path, TopK: 2})
	if err != nil {
		t.Fatalf("New(knowledge): %v", err)
	}
	if l, ok := o.(*Librarian); !ok || l.Index.Len() != 4 || l.Fallback == nil {
		t.Fatalf("New(knowledge) = %#v", o)
	}

	if _, err := New(config.AssistantConfig{Mode: "knowledge", KnowledgeFile: filepath.Join(t.TempDir(), "missing.md")}); err == nil {
		t.Fatalf("missing knowledge file should fail")
	}
	if _, err := New(config.AssistantConfig{Mode: "oracle"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}
