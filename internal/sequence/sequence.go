// Package sequence gives authenticated requests exactly-once processing and
// replayable responses without a database transaction.
//
// Each session owns a counter at "webrequest:sequence:session_key:<token>".
// A request claiming sequence n swaps the counter to n+1 (GETSET) and
// inspects the previous value:
//
//	missing -> the session expired
//	n       -> normal: process the request
//	n+1     -> the same request is still in flight: reject, do not process
//	n+2     -> the request already completed: replay the memoized response
//	other   -> client and server disagree: fatal
//
// When processing finishes the response (carrying sequence n+2) is stored at
// "webrequest:session_key:<path>:<token>:<n+2>" for the memo TTL and the
// counter is set to n+2. If that write fails the counter is put back to n so
// the client can retry instead of being rejected as a duplicate.
package sequence

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
)

// Step is the distance between the claimed and the completed sequence.
const Step = 2

var seqOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sequence_checks_total",
		Help: "Sequence checks by outcome (proceed|replay|duplicate|expired|fatal).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(seqOutcomes)
}

// Guard implements the protocol over the cache.
type Guard struct {
	c          *cache.Client
	counterTTL time.Duration
	memoTTL    time.Duration

	// randBase picks the login base in [0,99]; replaced in tests.
	randBase func() int
}

// New returns a Guard. counterTTL bounds how long an idle session keeps its
// counter; memoTTL bounds the replay window.
func New(c *cache.Client, counterTTL, memoTTL time.Duration) *Guard {
	return &Guard{
		c:          c,
		counterTTL: counterTTL,
		memoTTL:    memoTTL,
		randBase:   func() int { return rand.IntN(100) },
	}
}

// CounterKey returns the (un-namespaced) counter key of token.
func CounterKey(token string) string { return "webrequest:sequence:session_key:" + token }

// MemoKey returns the (un-namespaced) memo key of a completed request.
func MemoKey(path, token string, seq int64) string {
	return fmt.Sprintf("webrequest:session_key:%s:%s:%d", path, token, seq)
}

// Issue starts the counter of a new session and returns the first sequence
// the client must send. The base is a random multiple of one million.
func (g *Guard) Issue(ctx context.Context, token string) (int64, error) {
	seq := int64(g.randBase()) * 1_000_000
	if _, _, err := g.c.GetSet(ctx, CounterKey(token), strconv.FormatInt(seq, 10), g.counterTTL); err != nil {
		return 0, err
	}
	return seq, nil
}

// Begin validates a request claiming seq. It returns:
//   - (nil, nil) when the request must be processed; call Complete after.
//   - (body, nil) when the request already completed; send body verbatim.
//   - (nil, err) otherwise; err is one of the protocol sentinels or an
//     infrastructure error.
func (g *Guard) Begin(ctx context.Context, token, path string, seq int64) ([]byte, error) {
	key := CounterKey(token)
	prevStr, existed, err := g.c.GetSet(ctx, key, strconv.FormatInt(seq+1, 10), g.counterTTL)
	if err != nil {
		return nil, err
	}
	if !existed {
		// GETSET created the key; an expired session must stay expired.
		_, _ = g.c.Delete(ctx, key)
		seqOutcomes.WithLabelValues("expired").Inc()
		return nil, protocol.ErrSessionExpired
	}
	stored, err := strconv.ParseInt(prevStr, 10, 64)
	if err != nil {
		g.rollback(ctx, key, prevStr)
		seqOutcomes.WithLabelValues("fatal").Inc()
		return nil, protocol.Wrap(protocol.Fatal, "sequence out of order", err)
	}

	switch stored {
	case seq:
		seqOutcomes.WithLabelValues("proceed").Inc()
		return nil, nil

	case seq + 1:
		// Counter already holds seq+1; nothing to roll back.
		seqOutcomes.WithLabelValues("duplicate").Inc()
		return nil, protocol.ErrSequenceDuplicated

	case seq + Step:
		g.rollback(ctx, key, prevStr)
		body, ok, err := g.c.GetString(ctx, MemoKey(path, token, seq+Step))
		if err != nil {
			return nil, err
		}
		if !ok {
			seqOutcomes.WithLabelValues("duplicate").Inc()
			return nil, protocol.ErrSequenceProcess
		}
		seqOutcomes.WithLabelValues("replay").Inc()
		return []byte(body), nil

	default:
		g.rollback(ctx, key, prevStr)
		seqOutcomes.WithLabelValues("fatal").Inc()
		log.Warn().Int64("claimed", seq).Int64("stored", stored).Msg("sequence mismatch")
		return nil, protocol.ErrSequenceFatal
	}
}

// Next returns the sequence a completed response must carry.
func Next(seq int64) int64 { return seq + Step }

// Complete memoizes body (whose sequence field must be Next(seq)) and moves
// the counter to Next(seq). On failure the counter is rolled back to seq.
func (g *Guard) Complete(ctx context.Context, token, path string, seq int64, body []byte) error {
	next := Next(seq)
	err := g.c.Pipeline(ctx, true, func(p *cache.Pipe) error {
		p.Set(MemoKey(path, token, next), string(body), g.memoTTL)
		p.Set(CounterKey(token), strconv.FormatInt(next, 10), g.counterTTL)
		return nil
	})
	if err != nil {
		g.rollback(context.WithoutCancel(ctx), CounterKey(token), strconv.FormatInt(seq, 10))
	}
	return err
}

// Drop deletes the counter of token (logout).
func (g *Guard) Drop(ctx context.Context, token string) error {
	_, err := g.c.Delete(ctx, CounterKey(token))
	return err
}

func (g *Guard) rollback(ctx context.Context, key, prev string) {
	if _, err := g.c.SetString(ctx, key, prev, g.counterTTL, false); err != nil {
		log.Error().Err(err).Msg("sequence rollback failed")
	}
}
