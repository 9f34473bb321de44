package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/speakbeelabs/speakbee-core/internal/chat"
)

// State is the per-connection session record. It is mutated only by the
// owning connection's read loop, never concurrently.
type State struct {
	SessionID    string
	KnownSpeaker bool
	SpeakerID    string
	SpeakerName  string

	// WaitingEnrollConfirmation is set after an unrecognized first
	// utterance and cleared once the enrollment dialogue resolves.
	WaitingEnrollConfirmation bool

	// identityResolved flips after the first voiced utterance reaches an
	// identification outcome, matched or not. Identification never runs
	// twice in one session.
	identityResolved bool

	History      []chat.Turn
	GreetedKnown bool
}

// Manager tracks live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*State)}
}

// Open creates and registers a fresh session.
func (m *Manager) Open() *State {
	st := &State{SessionID: newID()}
	m.mu.Lock()
	m.sessions[st.SessionID] = st
	m.mu.Unlock()
	return st
}

// Close drops a session from the registry.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSpeakerID mints the short opaque id used for enrollments.
func NewSpeakerID() string {
	return newID()[:8]
}
