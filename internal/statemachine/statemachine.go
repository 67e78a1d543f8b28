// Package statemachine tracks the lifecycle of chat rooms and messages in
// Redis. States live at "msg_state:<id>" and "room_state:<id>"; each key has
// a companion "<key>:log" list with the last ten transitions.
//
// Transitions are compare-and-set operations executed by one Lua script.
// Callers never write states directly: they request a transition, and the
// transition is refused (false, current) when it is not listed in the
// entity's table or when the stored state is not the expected one.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tbourn/go-finassist-backend/internal/cache"
)

// State is a lifecycle state.
type State string

// States shared by rooms and messages.
const (
	None       State = ""
	Composing  State = "COMPOSING"
	Creating   State = "CREATING"
	Pending    State = "PENDING"
	Processing State = "PROCESSING"
	Sent       State = "SENT"
	Active     State = "ACTIVE"
	Deleting   State = "DELETING"
	Deleted    State = "DELETED"
)

// Entity selects the key space and transition table.
type Entity string

// Entities.
const (
	Message Entity = "msg"
	Room    Entity = "room"
)

// ErrNoState is returned by SmartDelete when the entity has no state key.
var ErrNoState = errors.New("no state recorded")

const logLen = 10

// transitionLua is the single atomic transition. KEYS[1] is the namespaced
// state key; ARGV = expected_from, to, ttl_seconds, log_line. An empty
// expected_from only matches an absent key.
const transitionLua = `local current = redis.call("GET", KEYS[1])
local expected = ARGV[1]
if expected == "" then
    if current then
        return {0, current}
    end
elseif current ~= expected then
    return {0, current or ""}
end
redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
local log_key = KEYS[1] .. ":log"
redis.call("LPUSH", log_key, ARGV[4])
redis.call("LTRIM", log_key, 0, 9)
redis.call("EXPIRE", log_key, 86400)
return {1, ARGV[2]}`

var transitionScript = redis.NewScript(transitionLua)

var tables = map[Entity]map[State][]State{
	Message: {
		None:       {Composing, Pending},
		Composing:  {Pending, Deleted},
		Pending:    {Processing, Deleted},
		Processing: {Sent, Deleting, Deleted},
		Sent:       {Deleting},
		Deleting:   {Deleted},
	},
	Room: {
		None:       {Creating, Pending},
		Creating:   {Pending, Deleted},
		Pending:    {Processing, Deleted},
		Processing: {Active, Deleting, Deleted},
		Active:     {Deleting},
		Deleting:   {Deleted},
	},
}

var transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "state_transitions_total",
		Help: "State machine transition requests by entity, target state and outcome.",
	},
	[]string{"entity", "to", "outcome"},
)

func init() {
	prometheus.MustRegister(transitions)
}

// Allowed reports whether from -> to is in e's table. from None means the
// initial write.
func Allowed(e Entity, from, to State) bool {
	return slices.Contains(tables[e][from], to)
}

// Machine runs transitions. It is safe for concurrent use.
type Machine struct {
	c   *cache.Client
	ttl map[Entity]time.Duration
	now func() time.Time
}

// New returns a Machine with per-entity state TTLs.
func New(c *cache.Client, messageTTL, roomTTL time.Duration) *Machine {
	return &Machine{
		c:   c,
		ttl: map[Entity]time.Duration{Message: messageTTL, Room: roomTTL},
		now: time.Now,
	}
}

// Key returns the un-namespaced state key of id.
func Key(e Entity, id string) string {
	if e == Message {
		return "msg_state:" + id
	}
	return "room_state:" + id
}

// Transition moves id from -> to. It returns the state found in Redis: the
// new state on success, the unchanged current state otherwise. Refused
// transitions never write.
func (m *Machine) Transition(ctx context.Context, e Entity, id string, from, to State, reason string) (bool, State, error) {
	if !Allowed(e, from, to) {
		cur, _, err := m.Get(ctx, e, id)
		transitions.WithLabelValues(string(e), string(to), "refused").Inc()
		return false, cur, err
	}

	ttl := int64(m.ttl[e] / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	line := fmt.Sprintf("%s %s->%s %s", m.now().UTC().Format(time.RFC3339), nameOf(from), to, reason)
	res, err := m.c.Eval(ctx, transitionScript, []string{m.c.Key(Key(e, id))}, string(from), string(to), ttl, line)
	if err != nil {
		return false, None, err
	}
	ok, cur, err := decode(res)
	if err != nil {
		return false, None, err
	}
	outcome := "ok"
	if !ok {
		outcome = "conflict"
	}
	transitions.WithLabelValues(string(e), string(to), outcome).Inc()
	return ok, cur, nil
}

// Get returns the current state; ok is false when there is none.
func (m *Machine) Get(ctx context.Context, e Entity, id string) (State, bool, error) {
	v, ok, err := m.c.GetString(ctx, Key(e, id))
	return State(v), ok, err
}

// Log returns the most recent transitions, newest first.
func (m *Machine) Log(ctx context.Context, e Entity, id string) ([]string, error) {
	return m.c.ListRange(ctx, Key(e, id)+":log", 0, logLen-1)
}

// SmartDelete applies the deletion that matches the current state:
//
//	COMPOSING, CREATING, PENDING   -> DELETED
//	PROCESSING, SENT, ACTIVE       -> DELETING
//	DELETING, DELETED              -> unchanged (success)
//
// It retries when the state changes underneath it and returns the state the
// entity ended in.
func (m *Machine) SmartDelete(ctx context.Context, e Entity, id, reason string) (State, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, ok, err := m.Get(ctx, e, id)
		if err != nil {
			return None, err
		}
		if !ok {
			return None, ErrNoState
		}
		var to State
		switch cur {
		case Deleted, Deleting:
			return cur, nil
		case Composing, Creating, Pending:
			to = Deleted
		case Processing, Sent, Active:
			to = Deleting
		default:
			return cur, fmt.Errorf("unknown state %q", cur)
		}
		done, now, err := m.Transition(ctx, e, id, cur, to, reason)
		if err != nil {
			return None, err
		}
		if done {
			return now, nil
		}
	}
	cur, _, err := m.Get(ctx, e, id)
	if err == nil {
		err = fmt.Errorf("state of %s %s kept changing", e, id)
	}
	return cur, err
}

func decode(res any) (bool, State, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return false, None, fmt.Errorf("unexpected transition reply %T", res)
	}
	flag, _ := arr[0].(int64)
	cur, _ := arr[1].(string)
	return flag == 1, State(cur), nil
}

func nameOf(s State) string {
	if s == None {
		return "NONE"
	}
	return string(s)
}
