package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gizchat/internal/featureflags"
	"gizchat/internal/models"
	"gizchat/internal/observability"
	"gizchat/internal/service"

	"go.opentelemetry.io/otel/attribute"
)

const defaultCommandTimeout = 5 * time.Second

// ErrAnonymous is returned by Open for a connection without a principal.
var ErrAnonymous = errors.New("anonymous connection")

// SessionState is the lifecycle position of a chat connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChatBackend is what a session needs from the chat service.
type ChatBackend interface {
	ResolveConversation(ctx context.Context, userID, conversationID uint) (*models.Conversation, *models.User, error)
	OpenConversation(ctx context.Context, userID, peerID uint) (*models.Conversation, *models.User, bool, error)
	SendMessage(ctx context.Context, draft models.MessageDraft, source string) (*models.Message, uint, error)
	MessagesSince(ctx context.Context, conversationID, lastID uint) ([]*models.Message, error)
	MarkRead(ctx context.Context, userID, conversationID uint) error
}

var _ ChatBackend = (*service.ChatService)(nil)

// PresenceTracker is satisfied by ConnectionManager.
type PresenceTracker interface {
	Register(ctx context.Context, userID uint)
	Unregister(ctx context.Context, userID uint)
	IsOnline(ctx context.Context, userID uint) bool
}

// FlagChecker is satisfied by featureflags.Manager.
type FlagChecker interface {
	Enabled(name string, userID uint) bool
}

// SendLimiter is satisfied by middleware.RedisLimiter.
type SendLimiter interface {
	Allow(ctx context.Context, userID uint) (bool, error)
}

// SessionConfig wires a session to its collaborators. Presence, Flags and
// Limiter are optional.
type SessionConfig struct {
	UserID         uint
	Chat           ChatBackend
	Groups         GroupLayer
	Sink           Sink
	Presence       PresenceTracker
	Flags          FlagChecker
	Limiter        SendLimiter
	CommandTimeout time.Duration
}

// Session is the per-connection chat state machine. Commands are handled one
// at a time; the registry of joined conversations is owned by the session.
type Session struct {
	cfg   SessionConfig
	group string
	log   *observability.WSLogger

	mu    sync.Mutex
	state SessionState
	rooms *Registry
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &Session{
		cfg:   cfg,
		group: GroupName(cfg.UserID),
		log:   observability.NewWSLogger("chat"),
		state: StateConnecting,
		rooms: NewRegistry(),
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined returns the ids of the conversations currently joined.
func (s *Session) Joined() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms.IDs()
}

// Open authenticates the session and adds it to the user's group. An
// anonymous session moves straight to StateClosed and the caller must close
// the transport.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return fmt.Errorf("session already %s", s.state)
	}
	if s.cfg.UserID == 0 {
		s.state = StateClosed
		return ErrAnonymous
	}
	s.state = StateAuthenticated

	if err := s.cfg.Groups.GroupAdd(ctx, s.group, s.cfg.Sink); err != nil {
		s.state = StateClosed
		return err
	}
	if s.cfg.Presence != nil {
		s.cfg.Presence.Register(ctx, s.cfg.UserID)
	}
	s.state = StateActive
	s.log.LogConnect(ctx, s.cfg.UserID, s.group)
	return nil
}

// Handle processes one inbound frame. Failures are reported to this
// connection only, as {"error": code}; the session stays open.
func (s *Session) Handle(ctx context.Context, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}

	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		s.fail(ctx, "invalid", models.NewValidationError("malformed command"))
		return
	}

	// Store writes outlive the socket: a disconnect mid-command must not
	// roll back a message that is already being persisted.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommandTimeout)
	defer cancel()
	cctx, span := observability.GetTraceLayer().TraceWebSocket(cctx, "chat", cmd.Command)
	span.SetAttributes(attribute.Int("user.id", int(s.cfg.UserID)))
	defer span.End()

	err := s.dispatch(cctx, cmd)
	if err != nil {
		observability.RecordSpanError(span, err)
		s.fail(cctx, cmd.Command, err)
		return
	}
	observability.RecordCommand(cmd.Command, "")
}

func (s *Session) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case CommandJoin:
		_, _, err := s.join(ctx, cmd)
		return err
	case CommandLeave:
		return s.leave(cmd.Conversation)
	case CommandSend:
		return s.send(ctx, cmd)
	case CommandReconnect:
		return s.reconnect(ctx, cmd)
	case CommandRead:
		return s.read(ctx, cmd)
	default:
		return models.NewValidationError(fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

func (s *Session) join(ctx context.Context, cmd Command) (*models.Conversation, *models.User, error) {
	var (
		conv *models.Conversation
		peer *models.User
		err  error
	)
	switch {
	case cmd.Conversation != 0:
		conv, peer, err = s.cfg.Chat.ResolveConversation(ctx, s.cfg.UserID, cmd.Conversation)
	case cmd.User != 0:
		conv, peer, _, err = s.cfg.Chat.OpenConversation(ctx, s.cfg.UserID, cmd.User)
	default:
		err = models.NewValidationError("conversation or user is required")
	}
	if err != nil {
		return nil, nil, err
	}

	s.rooms.Join(conv)

	summary := NewConversationSummary(conv, peer)
	if s.cfg.Presence != nil && s.cfg.Flags != nil && s.cfg.Flags.Enabled(featureflags.DMPresence, s.cfg.UserID) {
		online := s.cfg.Presence.IsOnline(ctx, summary.User)
		summary.Online = &online
	}
	if err := s.emit(JoinEvent{Type: EventJoin, Conversation: summary}); err != nil {
		return nil, nil, err
	}
	return conv, peer, nil
}

// leave is idempotent: leaving a conversation that is not joined does nothing.
func (s *Session) leave(conversationID uint) error {
	if !s.rooms.Leave(conversationID) {
		return nil
	}
	return s.emit(LeaveEvent{Type: EventLeave, Conversation: conversationID})
}

func (s *Session) send(ctx context.Context, cmd Command) error {
	if cmd.Conversation == 0 {
		return models.NewValidationError("conversation is required")
	}
	if s.cfg.Limiter != nil {
		if allowed, _ := s.cfg.Limiter.Allow(ctx, s.cfg.UserID); !allowed {
			return models.NewRateLimitedError(CommandSend)
		}
	}

	if _, joined := s.rooms.Contains(cmd.Conversation); !joined {
		if _, _, err := s.join(ctx, Command{Conversation: cmd.Conversation}); err != nil {
			return accessDenied(err, cmd.Conversation)
		}
	}

	msg, peerID, err := s.cfg.Chat.SendMessage(ctx, models.MessageDraft{
		ConversationID: cmd.Conversation,
		SenderID:       s.cfg.UserID,
		Type:           cmd.Type,
		Body:           cmd.Message,
		Image:          cmd.Image,
		Ratio:          cmd.Ratio,
	}, service.SourceWebSocket)
	if err != nil {
		return accessDenied(err, cmd.Conversation)
	}

	if err := BroadcastMessage(ctx, s.cfg.Groups, msg, peerID); err != nil {
		// The message is stored; members reachable locally already have it.
		s.log.LogError(ctx, s.cfg.UserID, err, "broadcast")
	}
	return nil
}

func (s *Session) reconnect(ctx context.Context, cmd Command) error {
	if cmd.LastID == nil {
		return models.NewValidationError("last_id is required")
	}
	conv, peer, err := s.join(ctx, cmd)
	if err != nil {
		return err
	}

	msgs, err := s.cfg.Chat.MessagesSince(ctx, conv.ID, *cmd.LastID)
	if err != nil {
		return err
	}
	peerID := conv.PeerOf(s.cfg.UserID)
	if peer != nil {
		peerID = peer.ID
	}
	events := make([]MessageEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, NewMessageEvent(msg, peerID))
	}
	return s.emit(ReconnectEvent{Type: EventReconnect, Conversation: conv.ID, Messages: events})
}

func (s *Session) read(ctx context.Context, cmd Command) error {
	if cmd.Conversation == 0 {
		return models.NewValidationError("conversation is required")
	}
	if err := s.cfg.Chat.MarkRead(ctx, s.cfg.UserID, cmd.Conversation); err != nil {
		return err
	}
	event := ReadEvent{Type: EventRead, Conversation: cmd.Conversation, User: s.cfg.UserID}
	if err := s.emit(event); err != nil {
		return err
	}

	if s.cfg.Flags == nil || !s.cfg.Flags.Enabled(featureflags.DMReadEvents, s.cfg.UserID) {
		return nil
	}
	conv, ok := s.rooms.Contains(cmd.Conversation)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.cfg.Groups.GroupSend(ctx, GroupName(conv.PeerOf(s.cfg.UserID)), payload); err != nil {
		s.log.LogError(ctx, s.cfg.UserID, err, "read_receipt")
	}
	return nil
}

// Close leaves every joined conversation, ignoring individual failures, and
// removes the connection from its group.
func (s *Session) Close(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosed
	if !wasActive {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, id := range s.rooms.IDs() {
		if err := s.leave(id); err != nil {
			s.log.LogError(ctx, s.cfg.UserID, err, CommandLeave)
		}
	}
	if err := s.cfg.Groups.GroupDiscard(ctx, s.group, s.cfg.Sink); err != nil {
		s.log.LogError(ctx, s.cfg.UserID, err, "group_discard")
	}
	if s.cfg.Presence != nil {
		s.cfg.Presence.Unregister(ctx, s.cfg.UserID)
	}
	s.log.LogDisconnect(ctx, s.cfg.UserID, s.group, reason)
}

func (s *Session) emit(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.cfg.Sink.Deliver(payload)
}

func (s *Session) fail(ctx context.Context, command string, err error) {
	code := models.ErrorCode(err)
	observability.RecordCommand(command, code)
	if code == models.CodeInternal {
		s.log.LogError(ctx, s.cfg.UserID, err, command)
	}
	// A dead sink means the transport is going away; Close will follow.
	_ = s.emit(ErrorEvent{Error: code})
}

// accessDenied hides whether a conversation the caller cannot use exists.
func accessDenied(err error, conversationID uint) error {
	if models.HasCode(err, models.CodeNotFound) {
		return models.NewAccessDeniedError(conversationID)
	}
	return err
}

// BroadcastMessage fans a stored message out to both participants' groups:
// the peer sees user_with = sender, the sender's other connections see
// user_with = peer. Both sends are attempted; their errors are joined.
func BroadcastMessage(ctx context.Context, groups GroupLayer, msg *models.Message, peerID uint) error {
	forPeer, forSender, err := MessagePayloads(msg, peerID)
	if err != nil {
		return err
	}
	return errors.Join(
		groups.GroupSend(ctx, GroupName(peerID), forPeer),
		groups.GroupSend(ctx, GroupName(msg.SenderID), forSender),
	)
}
