// Package callstate keeps the transient routing progress of a call between
// webhook round trips. State lives in the shared cache with a TTL and is
// never written to the durable store.
package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/clock"
)

// DefaultTTL bounds how long an abandoned call's state survives.
const DefaultTTL = 2 * time.Hour

// State is one call's routing progress.
type State struct {
	CallID         string `json:"call_id"`
	OrganizationID int64  `json:"organization_id"`
	// CallerID is the normalized caller, presented on later dials.
	CallerID string `json:"caller_id,omitempty"`

	RingGroupID int64 `json:"ring_group_id,omitempty"`
	// RotationStart is the round robin offset taken for this call.
	RotationStart *int `json:"rotation_start,omitempty"`
	// Attempt is the highest ring attempt already answered with a document.
	Attempt int `json:"attempt,omitempty"`
	// Repeats counts ring group restarts from a repeat fallback.
	Repeats int `json:"repeats,omitempty"`

	IvrMenuID int64 `json:"ivr_menu_id,omitempty"`
	IvrTurns  int   `json:"ivr_turns,omitempty"`

	// Visit counts ring group and menu entries. It is echoed in callback
	// URLs so a later visit to the same group or menu never replays an
	// earlier response.
	Visit int `json:"visit,omitempty"`

	// Responses holds documents already served, keyed by event.
	Responses map[string]string `json:"responses,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Response returns the stored document for event.
func (s *State) Response(event string) ([]byte, bool) {
	doc, ok := s.Responses[event]
	if !ok {
		return nil, false
	}
	return []byte(doc), true
}

// Remember stores the document served for event.
func (s *State) Remember(event string, doc []byte) {
	if s.Responses == nil {
		s.Responses = make(map[string]string)
	}
	s.Responses[event] = string(doc)
}

// EnterRingGroup starts a new visit to a ring group.
func (s *State) EnterRingGroup(id int64) {
	s.Visit++
	s.RingGroupID = id
	s.RotationStart = nil
	s.Attempt = 0
	s.Repeats = 0
}

// ResumeRingGroup continues the ring group visit a callback belongs to.
// Progress is reset when the state does not know that visit, which happens
// when state was lost.
func (s *State) ResumeRingGroup(id int64, visit int) {
	if s.RingGroupID == id && s.Visit == visit {
		return
	}
	s.Visit = visit
	s.RingGroupID = id
	s.RotationStart = nil
	s.Attempt = 0
	s.Repeats = 0
}

// EnterIvrMenu starts a new visit to a menu with the turn counter at zero.
func (s *State) EnterIvrMenu(id int64) {
	s.Visit++
	s.IvrMenuID = id
	s.IvrTurns = 0
}

// ResumeIvrMenu continues the menu visit an input belongs to, adopting the
// echoed turn when the state does not know that visit.
func (s *State) ResumeIvrMenu(id int64, visit, turn int) {
	if s.IvrMenuID == id && s.Visit == visit {
		return
	}
	s.Visit = visit
	s.IvrMenuID = id
	s.IvrTurns = turn
}

// RingEvent keys the response to a ring group callback.
func RingEvent(groupID int64, visit, attempt int) string {
	return fmt.Sprintf("rg:%d:%d:%d", groupID, visit, attempt)
}

// IvrEvent keys the response to an IVR input.
func IvrEvent(menuID int64, visit, turn int) string {
	return fmt.Sprintf("ivr:%d:%d:%d", menuID, visit, turn)
}

// Store reads and writes State.
type Store struct {
	cache  cache.Store
	locker *cache.Locker
	brk    *breaker.Breaker
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a Store. Cache access goes through brk.
func NewStore(c cache.Store, locker *cache.Locker, brk *breaker.Breaker, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		cache:  c,
		locker: locker,
		brk:    brk,
		clock:  clk,
		ttl:    ttl,
		logger: logger.With("subsystem", "callstate"),
	}
}

func stateKey(orgID int64, callID string) string {
	return "call:" + strconv.FormatInt(orgID, 10) + ":" + callID
}

func lockKey(orgID int64, callID string) string {
	return "lock:call:" + strconv.FormatInt(orgID, 10) + ":" + callID
}

// Load returns the call's state, or a fresh one when none exists. On a
// cache failure the fresh state is returned together with the error so the
// caller can continue in degraded mode.
func (s *Store) Load(ctx context.Context, orgID int64, callID string) (*State, error) {
	fresh := &State{CallID: callID, OrganizationID: orgID}

	data, err := breaker.Execute(ctx, s.brk, func(ctx context.Context) ([]byte, error) {
		b, err := s.cache.Get(ctx, stateKey(orgID, callID))
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return b, err
	}, nil)
	if err != nil {
		return fresh, fmt.Errorf("loading call state: %w", err)
	}
	if data == nil {
		return fresh, nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("discarding corrupt call state", "call_id", callID, "error", err)
		return fresh, nil
	}
	if st.OrganizationID != orgID || st.CallID != callID {
		s.logger.Warn("discarding call state owned by another tenant",
			"call_id", callID, "organization_id", orgID, "owner_organization_id", st.OrganizationID)
		return fresh, nil
	}
	return &st, nil
}

// Save writes st with the configured TTL.
func (s *Store) Save(ctx context.Context, st *State) error {
	st.UpdatedAt = s.clock.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding call state: %w", err)
	}
	err = s.brk.Call(ctx, func(ctx context.Context) error {
		return s.cache.Set(ctx, stateKey(st.OrganizationID, st.CallID), data, s.ttl)
	}, nil)
	if err != nil {
		return fmt.Errorf("saving call state: %w", err)
	}
	return nil
}

// Clear drops the call's state once the call has ended.
func (s *Store) Clear(ctx context.Context, orgID int64, callID string) error {
	err := s.brk.Call(ctx, func(ctx context.Context) error {
		return s.cache.Delete(ctx, stateKey(orgID, callID))
	}, nil)
	if err != nil {
		return fmt.Errorf("clearing call state: %w", err)
	}
	return nil
}

// Lock serializes webhooks for one call. It returns cache.ErrLockHeld when
// another request holds the lock past the wait budget.
func (s *Store) Lock(ctx context.Context, orgID int64, callID string) (*cache.Lock, error) {
	lock, err := breaker.Execute(ctx, s.brk, func(ctx context.Context) (*cache.Lock, error) {
		l, err := s.locker.Acquire(ctx, lockKey(orgID, callID))
		if errors.Is(err, cache.ErrLockHeld) {
			// Contention is not a backend failure.
			return nil, nil
		}
		return l, err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("acquiring call lock: %w", err)
	}
	if lock == nil {
		return nil, cache.ErrLockHeld
	}
	return lock, nil
}
