package events

import (
	"log"
	"sync"
)

// EventType labels what happened to the ledger or an election.
type EventType string

const (
	// EventBlockProcessed fires once a block has been committed into the
	// ledger (spec §4.6 "Progress"). Data carries "account" (types.Account),
	// "hash" (types.Hash) and "height" (uint64, the account's new
	// BlockCount) — frontiers/ uses this to track each account's known
	// chain height.
	EventBlockProcessed EventType = "block_processed"
	// EventConfirmationAdvanced fires once an account's confirmation height
	// moves forward (spec §4.9). Data carries "account" and "height"
	// (uint64) — frontiers/ uses this to track each account's confirmed
	// height and so its uncemented backlog.
	EventConfirmationAdvanced EventType = "confirmation_advanced"
	// EventElectionConfirmed fires when an election reaches quorum (spec
	// §4.7 "Termination"). Data carries "account", "hash" and
	// "duration_ms" (int64).
	EventElectionConfirmed EventType = "election_confirmed"
	// EventForkDetected fires when the block processor observes two blocks
	// at the same (account, previous) (spec §4.6 point 2). Data carries
	// "account", "existing" and "incoming" (both types.Hash).
	EventForkDetected EventType = "fork_detected"
)

// Event carries a typed payload emitted after a ledger or election state
// change. Data holds the event's fields directly (types.Account/types.Hash/
// uint64/int64 values, not JSON-encoded strings) since every subscriber
// lives in the same process.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or halt block production.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
