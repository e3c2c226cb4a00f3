// Package session is the per-connection chat layer: a connection authenticates once,
// joins one group room at a time and relays typing, messages and read receipts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/auth"
	"roamlist/api/internal/chat"
	"roamlist/api/internal/logger"
	"roamlist/api/internal/realtime"
	"roamlist/api/internal/util"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	errNotJoined = apperr.New(apperr.ErrInvalidArgument, "join a group first")
	errClosed    = apperr.New(apperr.ErrGone, "session closed")
)

type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Manager owns every live session of this process.
type Manager struct {
	verifier TokenVerifier
	chat     *chat.Service
	hub      *realtime.Hub
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(verifier TokenVerifier, chatService *chat.Service, hub *realtime.Hub, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		verifier: verifier,
		chat:     chatService,
		hub:      hub,
		log:      log.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Open authenticates a bearer token and returns a session in StateAuthenticated.
func (m *Manager) Open(token string) (*Session, error) {
	claims, err := m.verifier.Verify(token)
	if err != nil {
		return nil, apperr.New(apperr.ErrUnauthenticated, "%v", err)
	}
	id := util.NewID("conn")
	s := &Session{
		ID:      id,
		UserID:  claims.UserID(),
		manager: m,
		sub:     m.hub.NewSubscriber(id, claims.UserID()),
		state:   StateAuthenticated,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Debug("session opened", "connId", id, "userId", s.UserID)
	return s, nil
}

// Count reports the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every open session, e.g. on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Session is one authenticated connection. Its methods are safe for concurrent use.
type Session struct {
	ID     string
	UserID string

	manager *Manager
	sub     *realtime.Subscriber

	mu      sync.Mutex
	state   State
	groupID string
	done    chan struct{}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) GroupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

// Events streams the room's events for the joined group.
func (s *Session) Events() <-chan realtime.Event {
	return s.sub.Outbound
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join checks membership and moves the connection into groupID's room.
func (s *Session) Join(ctx context.Context, groupID string) error {
	if s.State() == StateClosed {
		return errClosed
	}
	if _, err := s.manager.chat.Authorize(ctx, groupID, s.UserID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return errClosed
	}
	s.manager.hub.Join(s.sub, groupID)
	s.groupID = groupID
	s.state = StateJoined
	return nil
}

func (s *Session) joined() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateJoined:
		return s.groupID, nil
	case StateClosed:
		return "", errClosed
	default:
		return "", errNotJoined
	}
}

func (s *Session) TypingStart(ctx context.Context) error {
	return s.typing(ctx, true)
}

func (s *Session) TypingStop(ctx context.Context) error {
	return s.typing(ctx, false)
}

func (s *Session) typing(ctx context.Context, typing bool) error {
	groupID, err := s.joined()
	if err != nil {
		return err
	}
	s.manager.chat.Typing(ctx, groupID, s.UserID, s.ID, typing)
	return nil
}

func (s *Session) SendMessage(ctx context.Context, text, clientID, replyTo string) (chat.MessageView, error) {
	groupID, err := s.joined()
	if err != nil {
		return chat.MessageView{}, err
	}
	msg, _, err := s.manager.chat.SendText(ctx, groupID, s.UserID, text, clientID, replyTo)
	return msg, err
}

func (s *Session) SendVoice(ctx context.Context, audioURL, clientID string) (chat.MessageView, error) {
	groupID, err := s.joined()
	if err != nil {
		return chat.MessageView{}, err
	}
	msg, _, err := s.manager.chat.SendVoice(ctx, groupID, s.UserID, audioURL, clientID)
	return msg, err
}

func (s *Session) MarkRead(ctx context.Context, messageIDs []string) ([]string, error) {
	groupID, err := s.joined()
	if err != nil {
		return nil, err
	}
	return s.manager.chat.MarkRead(ctx, groupID, s.UserID, messageIDs)
}

// Close leaves the room and ends the session. Persisted work is unaffected.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.groupID = ""
	close(s.done)
	s.mu.Unlock()

	s.manager.hub.Leave(s.sub)
	s.manager.forget(s.ID)
	s.manager.log.Debug("session closed", "connId", s.ID, "userId", s.UserID)
}

// IsClosed reports whether err came from using a closed session.
func IsClosed(err error) bool {
	return errors.Is(err, errClosed)
}
