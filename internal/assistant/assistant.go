// Package assistant is the AI collaborator behind the stream endpoint. An
// Orchestrator turns a user prompt into reply tokens; the transport decides
// how tokens reach the client and what happens to the finished reply.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-finassist-backend/internal/config"
)

// ErrEmptyPrompt is returned for a prompt with no visible characters.
var ErrEmptyPrompt = errors.New("assistant: empty prompt")

var tokensEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "assistant_tokens_emitted_total",
		Help: "Reply tokens emitted by orchestrators.",
	},
	[]string{"orchestrator"},
)

func init() {
	prometheus.MustRegister(tokensEmitted)
}

// Request is one prompt addressed to the assistant.
type Request struct {
	AccountID string
	RoomID    string
	Prompt    string
	Persona   string
}

// Emit receives reply tokens in order. Returning an error stops the stream.
type Emit func(token string) error

// Orchestrator produces a reply as a token stream.
type Orchestrator interface {
	Stream(ctx context.Context, req Request, emit Emit) error
}

// Echo restates the prompt. It needs no external model and is the default
// for LOCAL and DEBUG environments.
type Echo struct {
	Delay time.Duration
}

// Stream implements Orchestrator.
func (e Echo) Stream(ctx context.Context, req Request, emit Emit) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	reply := fmt.Sprintf("%s here. You asked: %s", personaOf(req), prompt)
	return streamWords(ctx, "echo", reply, e.Delay, emit)
}

// New builds the orchestrator selected by cfg.Mode.
func New(cfg config.AssistantConfig) (Orchestrator, error) {
	echo := Echo{Delay: cfg.TokenDelay}
	switch cfg.Mode {
	case "", "echo":
		return echo, nil
	case "knowledge":
		ix, err := LoadIndex(cfg.KnowledgeFile)
		if err != nil {
			return nil, fmt.Errorf("assistant: load knowledge: %w", err)
		}
		return &Librarian{Index: ix, K: cfg.TopK, Delay: cfg.TokenDelay, Fallback: echo}, nil
	default:
		return nil, fmt.Errorf("assistant: unknown mode %q", cfg.Mode)
	}
}

func personaOf(req Request) string {
	if p := strings.TrimSpace(req.Persona); p != "" {
		return p
	}
	return "Assistant"
}

// streamWords emits text word by word, pausing delay between tokens. Every
// token after the first carries its leading space so the concatenation of
// all tokens is the reply.
func streamWords(ctx context.Context, name, text string, delay time.Duration, emit Emit) error {
	tr := otel.Tracer("assistant")
	ctx, span := tr.Start(ctx, "Stream", trace.WithAttributes(attribute.String("orchestrator", name)))
	defer span.End()

	words := strings.Fields(text)
	var timer *time.Timer
	if delay > 0 {
		timer = time.NewTimer(delay)
		defer timer.Stop()
	}
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			w = " " + w
		}
		if err := emit(w); err != nil {
			return err
		}
		tokensEmitted.WithLabelValues(name).Inc()

		if timer == nil || i == len(words)-1 {
			continue
		}
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	span.SetAttributes(attribute.Int("tokens", len(words)))
	return nil
}
