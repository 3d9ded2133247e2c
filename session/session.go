// Package session tracks one ephemeral state record per live device
// connection: registration progress, the owning engine and the checklist
// of initialization categories still missing. Nothing here is persisted;
// a session exists exactly as long as its connection.
package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/canopyhq/canopy/errors"
)

// State is the session lifecycle position.
type State string

const (
	StateDisconnected         State = "disconnected"
	StateAwaitingRegistration State = "awaiting_registration"
	StateRegistering          State = "registering"
	StateActive               State = "active"
)

// Category names one initialization payload kind. The set is fixed; a
// device is fully initialized once every category arrived at least once.
type Category string

const (
	CategoryBaseInfo        Category = "base_info"
	CategoryManagement      Category = "management"
	CategoryEnvironmental   Category = "environmental_parameters"
	CategoryHardware        Category = "hardware"
	CategoryChaosParameters Category = "chaos_parameters"
	CategoryNycthemeral     Category = "nycthemeral_config"
	CategoryClimate         Category = "climate"
	CategoryActuatorsState  Category = "actuators_state"
)

// AllCategories returns the full fixed category set in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryBaseInfo,
		CategoryManagement,
		CategoryEnvironmental,
		CategoryHardware,
		CategoryChaosParameters,
		CategoryNycthemeral,
		CategoryClimate,
		CategoryActuatorsState,
	}
}

// Session is a snapshot of one connection's state. Registry methods
// return copies; mutate through the Registry only.
type Session struct {
	ConnID      string
	EngineUID   string
	State       State
	Pending     map[Category]struct{}
	UploadToken string
}

// Missing returns the still-pending categories, sorted.
func (s *Session) Missing() []Category {
	missing := make([]Category, 0, len(s.Pending))
	for c := range s.Pending {
		missing = append(missing, c)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Initialized reports whether every category arrived.
func (s *Session) Initialized() bool {
	return len(s.Pending) == 0
}

// Registry holds the session table. Mutation normally happens from the
// dispatcher's single consumer goroutine; the mutex keeps it safe anyway.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create opens a session in awaiting_registration for a fresh connection.
// An existing session for the same connection is replaced.
func (r *Registry) Create(connID string) {
	r.mu.Lock()
	r.sessions[connID] = &Session{
		ConnID:  connID,
		State:   StateAwaitingRegistration,
		Pending: make(map[Category]struct{}),
	}
	r.mu.Unlock()
}

// Get returns a copy of the session, or nil when the connection is
// unknown.
func (r *Registry) Get(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	return s.clone()
}

func (s *Session) clone() *Session {
	pending := make(map[Category]struct{}, len(s.Pending))
	for c := range s.Pending {
		pending[c] = struct{}{}
	}
	return &Session{
		ConnID:      s.ConnID,
		EngineUID:   s.EngineUID,
		State:       s.State,
		Pending:     pending,
		UploadToken: s.UploadToken,
	}
}

// BeginRegistration marks the session as registering while the engine
// row is persisted and the ack prepared. Unknown connections are left
// alone; Activate reports them.
func (r *Registry) BeginRegistration(connID string) {
	r.mu.Lock()
	if s, ok := r.sessions[connID]; ok {
		s.State = StateRegistering
	}
	r.mu.Unlock()
}

// Activate completes registration: binds the engine uid, resets the
// pending set to the full category list (re-registration starts over) and
// issues a one-shot upload token. Returns the token.
func (r *Registry) Activate(connID, engineUID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return "", errors.Wrap(errors.ErrSessionNotFound, "Registry", "Activate", connID)
	}

	s.EngineUID = engineUID
	s.State = StateActive
	s.Pending = make(map[Category]struct{}, len(AllCategories()))
	for _, c := range AllCategories() {
		s.Pending[c] = struct{}{}
	}
	s.UploadToken = uuid.NewString()
	return s.UploadToken, nil
}

// ClearCategory removes one category from the pending set. Idempotent:
// clearing an already-cleared category is a no-op, repeated payloads are
// simply re-processed downstream.
func (r *Registry) ClearCategory(connID string, c Category) {
	r.mu.Lock()
	if s, ok := r.sessions[connID]; ok {
		delete(s.Pending, c)
	}
	r.mu.Unlock()
}

// Remove discards the session on disconnect and returns the engine uid it
// was bound to, empty when it never registered.
func (r *Registry) Remove(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ""
	}
	delete(r.sessions, connID)
	return s.EngineUID
}

// ConnFor returns the connection id currently bound to the engine, empty
// when it is not connected. Used to route server-to-device commands.
func (r *Registry) ConnFor(engineUID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, s := range r.sessions {
		if s.EngineUID == engineUID && s.State == StateActive {
			return connID
		}
	}
	return ""
}
