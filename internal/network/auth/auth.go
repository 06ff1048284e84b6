// Package auth implements the trust authorization handshake. A peer starts
// out Unknown, moves to Connecting when a handshake begins, and becomes
// Authorized once it presents an identity. Invalid transitions are reported
// as errors but never mutate state or tear down the connection.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrInvalidTransition is returned when an action is not valid for a
	// peer's current state. The error is non-fatal; state is unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrIdentityRewrite is returned when a peer's id cannot be rewritten to
	// its authorized identity.
	ErrIdentityRewrite = errors.New("failed to rewrite peer identity")
)

// State is a peer's position in the authorization handshake.
type State int

const (
	// StateUnknown is the initial state of every peer.
	StateUnknown State = iota
	// StateConnecting means a handshake is in progress.
	StateConnecting
	// StateAuthorized means the peer presented an identity and is trusted.
	StateAuthorized
	// StateUnauthorized is terminal; the peer was rejected.
	StateUnauthorized
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthorized:
		return "Authorized"
	case StateUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// ActionType discriminates handshake actions.
type ActionType int

const (
	// ActionConnecting begins a handshake.
	ActionConnecting ActionType = iota
	// ActionTrustIdentifying presents the peer's claimed identity.
	ActionTrustIdentifying
	// ActionUnauthorizing rejects the peer.
	ActionUnauthorizing
)

// Action is one handshake input.
type Action struct {
	Type ActionType
	// Identity is the claimed identity; set for ActionTrustIdentifying only.
	Identity string
}

// Connecting returns the handshake-start action.
func Connecting() Action { return Action{Type: ActionConnecting} }

// TrustIdentifying returns the identity-presentation action.
func TrustIdentifying(identity string) Action {
	return Action{Type: ActionTrustIdentifying, Identity: identity}
}

// Unauthorizing returns the rejection action.
func Unauthorizing() Action { return Action{Type: ActionUnauthorizing} }

// PeerIDRewriter rewrites a peer's id once its identity is established. The
// Network satisfies this.
type PeerIDRewriter interface {
	UpdatePeerID(oldPeerID, newPeerID string) error
}

// Manager runs the authorization state machine for every peer. It is safe
// for concurrent use.
type Manager struct {
	logger *zap.Logger
	// identity is this node's own identity, presented in trust requests.
	identity string
	rewriter PeerIDRewriter

	mu sync.Mutex
	// peer id to handshake state; absent means StateUnknown
	states map[string]State
	// peers this node has presented its own identity to; tracked so the
	// reverse handshake is opened at most once per connection
	identified map[string]bool
}

// NewManager constructs a Manager that presents the given identity and
// rewrites peer ids through the given rewriter.
func NewManager(logger *zap.Logger, identity string, rewriter PeerIDRewriter) *Manager {
	return &Manager{
		logger:     logger,
		identity:   identity,
		rewriter:   rewriter,
		states:     make(map[string]State),
		identified: make(map[string]bool),
	}
}

// Identity returns this node's own identity.
func (m *Manager) Identity() string {
	return m.identity
}

// NextState applies one action to the named peer's state machine and returns
// the resulting state. On ErrInvalidTransition the peer's state is unchanged
// and the returned state is the current one.
//
// A successful TrustIdentifying transition rewrites the peer's id to the
// claimed identity; the state is tracked under the new id afterward.
func (m *Manager) NextState(peerID string, action Action) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.states[peerID]

	switch action.Type {
	case ActionConnecting:
		if current != StateUnknown {
			return current, fmt.Errorf("%w: cannot begin connecting for peer %s in state %s",
				ErrInvalidTransition, peerID, current)
		}
		m.states[peerID] = StateConnecting
		return StateConnecting, nil

	case ActionTrustIdentifying:
		// A repeated trust request under the established identity is a no-op.
		if current == StateAuthorized && peerID == action.Identity {
			return StateAuthorized, nil
		}
		if current != StateConnecting {
			return current, fmt.Errorf("%w: cannot trust identify peer %s in state %s",
				ErrInvalidTransition, peerID, current)
		}
		if err := m.rewriter.UpdatePeerID(peerID, action.Identity); err != nil {
			return current, fmt.Errorf("%w: %v", ErrIdentityRewrite, err)
		}
		delete(m.states, peerID)
		m.states[action.Identity] = StateAuthorized
		if m.identified[peerID] {
			delete(m.identified, peerID)
			m.identified[action.Identity] = true
		}
		m.logger.Info("peer authorized",
			zap.String("peer_id", action.Identity),
			zap.String("previous_id", peerID))
		return StateAuthorized, nil

	case ActionUnauthorizing:
		if current == StateUnauthorized {
			return current, fmt.Errorf("%w: peer %s is already unauthorized",
				ErrInvalidTransition, peerID)
		}
		m.states[peerID] = StateUnauthorized
		return StateUnauthorized, nil

	default:
		return current, fmt.Errorf("%w: unknown action for peer %s", ErrInvalidTransition, peerID)
	}
}

// CurrentState returns the peer's handshake state.
func (m *Manager) CurrentState(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[peerID]
}

// IsAuthorized reports whether the peer has completed the handshake.
func (m *Manager) IsAuthorized(peerID string) bool {
	return m.CurrentState(peerID) == StateAuthorized
}

// MarkIdentified records that this node has presented its identity to the
// peer. The mark follows the peer through an identity rewrite.
func (m *Manager) MarkIdentified(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identified[peerID] = true
}

// HasIdentified reports whether this node has presented its identity to the
// peer.
func (m *Manager) HasIdentified(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identified[peerID]
}

// Forget drops all handshake state for a peer, typically after its
// connection is removed.
func (m *Manager) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, peerID)
	delete(m.identified, peerID)
}
