package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"courier/internal/bus"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/repository"

	"github.com/google/uuid"
)

// ChatService provides chat lifecycle and roster business logic.
type ChatService struct {
	chatRepo    repository.ChatRepository
	userRepo    repository.UserRepository
	messageRepo repository.MessageRepository
	notifier    *bus.Notifier
}

// NewChatService returns a new ChatService.
func NewChatService(
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
	messageRepo repository.MessageRepository,
	notifier *bus.Notifier,
) *ChatService {
	return &ChatService{
		chatRepo:    chatRepo,
		userRepo:    userRepo,
		messageRepo: messageRepo,
		notifier:    notifier,
	}
}

// CreateDirect opens (or returns) the direct chat between the caller and
// another user. Calling it twice, in either direction, yields the same chat.
func (s *ChatService) CreateDirect(ctx context.Context, callerID, otherID uuid.UUID) (*models.Chat, bool, error) {
	if callerID == otherID {
		return nil, false, models.NewValidationError("cannot open a direct chat with yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, otherID); err != nil {
		return nil, false, err
	}

	chat, created, err := s.chatRepo.CreateDirect(ctx, callerID, otherID)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishChatEvent(ctx, bus.EventChatCreated, chat.ID, []uuid.UUID{callerID, otherID})
	}

	full, err := s.chatRepo.GetByID(ctx, chat.ID)
	if err != nil {
		return nil, false, err
	}
	return full, created, nil
}

// CreateGroupInput is the input for creating a group chat.
type CreateGroupInput struct {
	OwnerID   uuid.UUID
	Name      string
	Slug      string
	AvatarRef string
	MemberIDs []uuid.UUID
}

// CreateGroup creates a group chat with the caller as owner and drops a
// system message announcing it.
func (s *ChatService) CreateGroup(ctx context.Context, in CreateGroupInput) (*models.Chat, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 100 {
		return nil, models.NewFieldValidationError("name", "group name must be 1-100 characters")
	}

	members := dedupeIDs(in.MemberIDs, in.OwnerID)
	chat := &models.Chat{
		Kind:      models.ChatGroup,
		Name:      name,
		AvatarRef: in.AvatarRef,
		OwnerID:   &in.OwnerID,
	}
	if in.Slug != "" {
		chat.Slug = &in.Slug
	}
	if err := s.chatRepo.CreateGroup(ctx, chat, members); err != nil {
		return nil, err
	}

	owner, err := s.userRepo.GetByID(ctx, in.OwnerID)
	if err == nil {
		s.systemMessage(ctx, chat.ID, fmt.Sprintf("%s created the group", owner.DisplayName), members)
	}

	recipients := append([]uuid.UUID{in.OwnerID}, members...)
	s.publishChatEvent(ctx, bus.EventChatCreated, chat.ID, recipients)

	return s.chatRepo.GetByID(ctx, chat.ID)
}

// GetChat returns a chat the caller belongs to.
func (s *ChatService) GetChat(ctx context.Context, callerID, chatID uuid.UUID) (*models.Chat, error) {
	if err := s.requireActiveParticipant(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	return s.chatRepo.GetByID(ctx, chatID)
}

// ListChats returns the caller's chats, newest activity first.
func (s *ChatService) ListChats(ctx context.Context, callerID uuid.UUID) ([]models.ChatSummary, error) {
	return s.chatRepo.ListUserChats(ctx, callerID)
}

// AddParticipants adds users to a group chat. Only owners and admins may
// grow the roster.
func (s *ChatService) AddParticipants(ctx context.Context, callerID, chatID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	caller, err := s.requireRole(ctx, chatID, callerID, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	targets := dedupeIDs(userIDs, callerID)
	if len(targets) == 0 {
		return nil, models.NewValidationError("no users to add")
	}
	for _, id := range targets {
		if _, err := s.userRepo.GetByID(ctx, id); err != nil {
			return nil, err
		}
	}

	added, err := s.chatRepo.AddParticipants(ctx, chatID, targets)
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return added, nil
	}

	existing, err := s.chatRepo.ListActiveParticipantIDs(ctx, chatID)
	if err == nil {
		s.systemMessage(ctx, chatID, s.rosterChangeText(ctx, caller.UserID, added, "added"), excludeID(existing, caller.UserID))
	}
	for _, id := range added {
		body := struct {
			ChatID uuid.UUID `json:"chat_id"`
			UserID uuid.UUID `json:"user_id"`
		}{chatID, id}
		if event, eerr := bus.NewEvent(bus.EventParticipantAdded, body); eerr == nil {
			_ = s.notifier.PublishChat(ctx, chatID, event)
			_ = s.notifier.PublishUser(ctx, id, event)
		}
	}
	return added, nil
}

// UpdateChatInput is the partial update for a group chat's profile. Nil
// fields are left untouched.
type UpdateChatInput struct {
	Name      *string
	AvatarRef *string
}

// UpdateChat renames a group chat or swaps its avatar. Owners and admins
// only.
func (s *ChatService) UpdateChat(ctx context.Context, callerID, chatID uuid.UUID, in UpdateChatInput) (*models.Chat, error) {
	chat, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Kind != models.ChatGroup {
		return nil, models.NewValidationError("direct chats cannot be updated")
	}
	if _, err := s.requireRole(ctx, chatID, callerID, models.RoleOwner, models.RoleAdmin); err != nil {
		return nil, err
	}

	if in.Name != nil {
		trimmed := strings.TrimSpace(*in.Name)
		if trimmed == "" || len(trimmed) > 100 {
			return nil, models.NewFieldValidationError("name", "group name must be 1-100 characters")
		}
		in.Name = &trimmed
	}

	if err := s.chatRepo.UpdateInfo(ctx, chatID, in.Name, in.AvatarRef); err != nil {
		return nil, err
	}

	updated, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if event, eerr := bus.NewEvent(bus.EventChatUpdated, updated); eerr == nil {
		_ = s.notifier.PublishChat(ctx, chatID, event)
	}
	return updated, nil
}

// DeleteChat soft-deletes a group chat. Owner only. Every active member is
// told the chat is gone, on the chat topic and on their user topics so
// sockets not joined to the room still hear it.
func (s *ChatService) DeleteChat(ctx context.Context, callerID, chatID uuid.UUID) error {
	chat, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Kind != models.ChatGroup {
		return models.NewValidationError("direct chats cannot be deleted")
	}
	if _, err := s.requireRole(ctx, chatID, callerID, models.RoleOwner); err != nil {
		return err
	}

	members, err := s.chatRepo.ListActiveParticipantIDs(ctx, chatID)
	if err != nil {
		return err
	}
	if err := s.chatRepo.SoftDelete(ctx, chatID); err != nil {
		return err
	}

	body := struct {
		ChatID uuid.UUID `json:"chat_id"`
	}{chatID}
	if event, eerr := bus.NewEvent(bus.EventChatRemoved, body); eerr == nil {
		_ = s.notifier.PublishChat(ctx, chatID, event)
		for _, id := range members {
			_ = s.notifier.PublishUser(ctx, id, event)
		}
	}
	return nil
}

// RemoveParticipant kicks a member out of a group chat. Owners may remove
// anyone but themselves; admins may remove plain members. The target's
// membership row keeps its history, only leftAt is set.
func (s *ChatService) RemoveParticipant(ctx context.Context, callerID, chatID, targetID uuid.UUID) error {
	if targetID == callerID {
		return models.NewValidationError("use leave to remove yourself")
	}

	chat, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Kind != models.ChatGroup {
		return models.NewValidationError("participants can only be removed from group chats")
	}

	caller, err := s.requireRole(ctx, chatID, callerID, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return err
	}

	target, err := s.chatRepo.GetParticipant(ctx, chatID, targetID)
	if err != nil {
		return err
	}
	if target == nil || !target.Active() {
		return models.NewNotFoundError("participant", targetID)
	}
	if target.Role == models.RoleOwner {
		return models.NewForbiddenError("the owner cannot be removed")
	}
	if target.Role == models.RoleAdmin && caller.Role != models.RoleOwner {
		return models.NewForbiddenError("only the owner can remove an admin")
	}

	if err := s.chatRepo.Leave(ctx, chatID, targetID); err != nil {
		return err
	}

	body := struct {
		ChatID uuid.UUID `json:"chat_id"`
		UserID uuid.UUID `json:"user_id"`
	}{chatID, targetID}
	if event, eerr := bus.NewEvent(bus.EventParticipantRemoved, body); eerr == nil {
		_ = s.notifier.PublishChat(ctx, chatID, event)
		_ = s.notifier.PublishUser(ctx, targetID, event)
	}

	remaining, rerr := s.chatRepo.ListActiveParticipantIDs(ctx, chatID)
	if rerr == nil && len(remaining) > 0 {
		s.systemMessage(ctx, chatID, s.rosterChangeText(ctx, callerID, []uuid.UUID{targetID}, "removed"), remaining)
	}
	return nil
}

// Leave removes the caller from a group chat. Owners must hand the chat to
// someone else first unless they are the last active member.
func (s *ChatService) Leave(ctx context.Context, callerID, chatID uuid.UUID) error {
	chat, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Kind != models.ChatGroup {
		return models.NewValidationError("direct chats cannot be left")
	}

	p, err := s.chatRepo.GetParticipant(ctx, chatID, callerID)
	if err != nil {
		return err
	}
	if p == nil || !p.Active() {
		return models.NewForbiddenError("not a member of this chat")
	}

	if chat.OwnerID != nil && *chat.OwnerID == callerID {
		active, aerr := s.chatRepo.ListActiveParticipantIDs(ctx, chatID)
		if aerr != nil {
			return aerr
		}
		if len(active) > 1 {
			return models.NewValidationError("transfer ownership before leaving the group")
		}
	}

	if err := s.chatRepo.Leave(ctx, chatID, callerID); err != nil {
		return err
	}

	body := struct {
		ChatID uuid.UUID `json:"chat_id"`
		UserID uuid.UUID `json:"user_id"`
	}{chatID, callerID}
	if event, eerr := bus.NewEvent(bus.EventParticipantLeft, body); eerr == nil {
		_ = s.notifier.PublishChat(ctx, chatID, event)
	}

	remaining, rerr := s.chatRepo.ListActiveParticipantIDs(ctx, chatID)
	if rerr == nil && len(remaining) > 0 {
		s.systemMessage(ctx, chatID, s.rosterChangeText(ctx, callerID, nil, "left"), remaining)
	}
	return nil
}

// UpdateRole promotes or demotes a member. Owner only; the owner role
// itself moves via TransferOwnership.
func (s *ChatService) UpdateRole(ctx context.Context, callerID, chatID, targetID uuid.UUID, role string) error {
	if role != models.RoleAdmin && role != models.RoleMember {
		return models.NewFieldValidationError("role", "role must be 'admin' or 'member'")
	}
	if targetID == callerID {
		return models.NewValidationError("cannot change your own role")
	}
	if _, err := s.requireRole(ctx, chatID, callerID, models.RoleOwner); err != nil {
		return err
	}
	return s.chatRepo.UpdateRole(ctx, chatID, targetID, role)
}

// TransferOwnership hands a group chat to another active member.
func (s *ChatService) TransferOwnership(ctx context.Context, callerID, chatID, newOwnerID uuid.UUID) error {
	if newOwnerID == callerID {
		return models.NewValidationError("you already own this chat")
	}
	if _, err := s.requireRole(ctx, chatID, callerID, models.RoleOwner); err != nil {
		return err
	}
	return s.chatRepo.TransferOwnership(ctx, chatID, newOwnerID)
}

// requireActiveParticipant returns forbidden unless the user is an active
// member of the chat.
func (s *ChatService) requireActiveParticipant(ctx context.Context, chatID, userID uuid.UUID) error {
	p, err := s.chatRepo.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if p == nil || !p.Active() {
		return models.NewForbiddenError("not a member of this chat")
	}
	return nil
}

func (s *ChatService) requireRole(ctx context.Context, chatID, userID uuid.UUID, roles ...string) (*models.Participant, error) {
	p, err := s.chatRepo.GetParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Active() {
		return nil, models.NewForbiddenError("not a member of this chat")
	}
	for _, role := range roles {
		if p.Role == role {
			return p, nil
		}
	}
	return nil, models.NewForbiddenError("insufficient role for this operation")
}

// systemMessage drops a sender-less message into a chat. Failures are
// logged, not surfaced: system messages are advisory.
func (s *ChatService) systemMessage(ctx context.Context, chatID uuid.UUID, body string, recipients []uuid.UUID) {
	msg := &models.Message{
		ChatID:    chatID,
		Body:      body,
		Kind:      models.MessageSystem,
		CreatedAt: time.Now(),
	}
	if err := s.messageRepo.PersistMessage(ctx, msg, recipients); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to persist system message",
			slog.String("chat_id", chatID.String()), slog.String("error", err.Error()))
		return
	}
	if event, err := bus.NewEvent(bus.EventMessageNew, msg); err == nil {
		_ = s.notifier.PublishChat(ctx, chatID, event)
	}
}

func (s *ChatService) publishChatEvent(ctx context.Context, eventType string, chatID uuid.UUID, userIDs []uuid.UUID) {
	body := struct {
		ChatID uuid.UUID `json:"chat_id"`
	}{chatID}
	event, err := bus.NewEvent(eventType, body)
	if err != nil {
		return
	}
	for _, id := range userIDs {
		if perr := s.notifier.PublishUser(ctx, id, event); perr != nil {
			middleware.Logger.WarnContext(ctx, "failed to publish chat event",
				slog.String("event", eventType), slog.String("error", perr.Error()))
		}
	}
}

func (s *ChatService) rosterChangeText(ctx context.Context, actorID uuid.UUID, affected []uuid.UUID, verb string) string {
	actorName := "someone"
	if actor, err := s.userRepo.GetByID(ctx, actorID); err == nil {
		actorName = actor.DisplayName
	}
	if len(affected) == 0 {
		return fmt.Sprintf("%s %s the group", actorName, verb)
	}
	names := make([]string, 0, len(affected))
	for _, id := range affected {
		if u, err := s.userRepo.GetByID(ctx, id); err == nil {
			names = append(names, u.DisplayName)
		}
	}
	return fmt.Sprintf("%s %s %s", actorName, verb, strings.Join(names, ", "))
}

func dedupeIDs(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{exclude: {}}
	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func excludeID(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
