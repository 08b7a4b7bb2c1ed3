package engine

import (
	"sync"
	"time"

	"github.com/rendis/dagflow/pkg/schema"
)

// DefaultActor is the actor assigned to steps without an actor hint.
const DefaultActor = "default"

// ActorRegistry resolves which actor executes a step and whether it can take work.
// The engine knows nothing else about actors.
type ActorRegistry interface {
	Resolve(step schema.StepDefinition) string
	Available(actorID string) bool
}

// OutcomeRecorder is optionally implemented by an ActorRegistry that tracks
// actor health from dispatch outcomes.
type OutcomeRecorder interface {
	RecordSuccess(actorID string)
	RecordFailure(actorID string)
}

// StaticActors maps every step to its actor hint (or DefaultActor) and treats
// all actors as always available.
type StaticActors struct{}

func (StaticActors) Resolve(step schema.StepDefinition) string { return actorOf(step) }
func (StaticActors) Available(string) bool                     { return true }

func actorOf(step schema.StepDefinition) string {
	if step.Actor != "" {
		return step.Actor
	}
	return DefaultActor
}

// CircuitState represents the state of an actor's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // accepting work
	CircuitOpen                         // rejecting work until cooldown elapses
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-actor circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects work before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe dispatches allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type actorBreaker struct {
	state       CircuitState
	failures    int
	openedAt    time.Time
	probes      int
	totalFailed int64
	totalOK     int64
}

// BreakerActorRegistry wraps an ActorRegistry with one circuit breaker per actor.
// An actor is available unless its breaker is open (or half-open with all
// probe slots taken). Steps of an unavailable actor stay in the waiting set.
type BreakerActorRegistry struct {
	inner  ActorRegistry
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*actorBreaker
}

// NewBreakerActorRegistry creates a registry; a nil inner registry means StaticActors.
func NewBreakerActorRegistry(inner ActorRegistry, config BreakerConfig) *BreakerActorRegistry {
	if inner == nil {
		inner = StaticActors{}
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &BreakerActorRegistry{
		inner:    inner,
		config:   config,
		now:      time.Now,
		breakers: make(map[string]*actorBreaker),
	}
}

// Resolve delegates to the wrapped registry.
func (r *BreakerActorRegistry) Resolve(step schema.StepDefinition) string {
	return r.inner.Resolve(step)
}

// Available reports whether actorID may receive a dispatch now. It does not
// consume a half-open probe slot; Acquire does.
func (r *BreakerActorRegistry) Available(actorID string) bool {
	if !r.inner.Available(actorID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.refresh(actorID)
	switch b.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return b.probes < r.config.HalfOpenMax
	}
	return true
}

// Acquire claims permission to dispatch to actorID. It returns CIRCUIT_OPEN
// when the breaker rejects the call.
func (r *BreakerActorRegistry) Acquire(actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.refresh(actorID)

	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for actor %q after %d consecutive failures", actorID, b.failures).
			WithDetails(map[string]any{
				"actor":              actorID,
				"cooldown_remaining": (r.config.Cooldown - r.now().Sub(b.openedAt)).String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for actor %q: probe already in flight", actorID)
		}
		b.probes++
	}
	return nil
}

// RecordSuccess closes the actor's circuit.
func (r *BreakerActorRegistry) RecordSuccess(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(actorID)
	b.failures = 0
	b.probes = 0
	b.state = CircuitClosed
	b.totalOK++
}

// RecordFailure counts a failure; the circuit opens at the threshold, or
// immediately when a half-open probe fails.
func (r *BreakerActorRegistry) RecordFailure(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(actorID)
	b.failures++
	b.totalFailed++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
		b.probes = 0
	}
}

// State returns the current circuit state of an actor.
func (r *BreakerActorRegistry) State(actorID string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh(actorID).state
}

// Stats returns diagnostic information about an actor's breaker.
func (r *BreakerActorRegistry) Stats(actorID string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.refresh(actorID)
	return map[string]any{
		"actor":                actorID,
		"state":                b.state.String(),
		"consecutive_failures": b.failures,
		"total_failed":         b.totalFailed,
		"total_succeeded":      b.totalOK,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

// refresh moves an open breaker to half-open once its cooldown has elapsed.
// Caller holds r.mu.
func (r *BreakerActorRegistry) refresh(actorID string) *actorBreaker {
	b := r.get(actorID)
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
	return b
}

func (r *BreakerActorRegistry) get(actorID string) *actorBreaker {
	b, ok := r.breakers[actorID]
	if !ok {
		b = &actorBreaker{state: CircuitClosed}
		r.breakers[actorID] = b
	}
	return b
}

var (
	_ ActorRegistry   = StaticActors{}
	_ ActorRegistry   = (*BreakerActorRegistry)(nil)
	_ OutcomeRecorder = (*BreakerActorRegistry)(nil)
)
