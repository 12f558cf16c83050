// Package service provides business logic for the chat relay.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/presence"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/internal/visibility"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

const lastMessageBatch = 20

// ConversationService handles conversation lookup, access and per-user state.
type ConversationService struct {
	store    *store.Store
	presence presence.Tracker
	logger   *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st *store.Store, tracker presence.Tracker, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:    st,
		presence: tracker,
		logger:   log.Named("conversations"),
	}
}

// Resolve finds a conversation by numeric id or slug. The global
// conversation is created on first use.
func (s *ConversationService) Resolve(ctx context.Context, identifier string) (*model.Conversation, error) {
	var (
		conv *model.Conversation
		err  error
	)
	if id, perr := strconv.ParseUint(identifier, 10, 64); perr == nil {
		conv, err = s.store.GetConversation(ctx, uint(id))
	} else if identifier == model.GlobalSlug {
		conv, err = s.store.EnsureGlobalConversation(ctx)
	} else {
		conv, err = s.store.GetConversationBySlug(ctx, identifier)
	}

	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation %q: %w", identifier, err)
	}
	return conv, nil
}

// Authorize checks that userID may join conv. Any authenticated user may
// join the global conversation; private conversations need a participant row.
func (s *ConversationService) Authorize(ctx context.Context, conv *model.Conversation, userID uint) error {
	switch conv.Type {
	case model.ConversationGlobal:
		return nil
	case model.ConversationPrivate:
		ok, err := s.store.IsParticipant(ctx, conv.ID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForbidden
		}
		return nil
	default:
		return ErrForbidden
	}
}

// Access loads a conversation by id together with the user's participant
// row. The row is created on demand in the global conversation.
func (s *ConversationService) Access(ctx context.Context, conversationID, userID uint) (*model.Conversation, *model.Participant, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var p *model.Participant
	switch conv.Type {
	case model.ConversationGlobal:
		p, err = s.store.EnsureParticipant(ctx, conv.ID, userID)
	case model.ConversationPrivate:
		p, err = s.store.GetParticipant(ctx, conv.ID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrForbidden
		}
	default:
		return nil, nil, ErrForbidden
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load participant: %w", err)
	}
	return conv, p, nil
}

// GetOrCreatePrivate returns the private conversation between userID and
// the user called username. created reports whether it was just created.
func (s *ConversationService) GetOrCreatePrivate(ctx context.Context, userID uint, username string) (*model.ConversationDetail, bool, error) {
	other, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load user: %w", err)
	}
	if other.ID == userID {
		return nil, false, ErrSelfConversation
	}

	conv, created, err := s.store.GetOrCreatePrivate(ctx, userID, other.ID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	participants, err := s.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("private conversation created",
			zap.Uint("conversation_id", conv.ID),
			zap.Uint("user_id", userID),
			zap.Uint("other_user_id", other.ID),
		)
	}

	return &model.ConversationDetail{
		ID:           conv.ID,
		Slug:         conv.Slug,
		Type:         conv.Type,
		CreatedAt:    conv.CreatedAt,
		Participants: s.presenceOf(ctx, participants),
	}, created, nil
}

// List returns the user's conversations, most recently active first. The
// global conversation is always listed once it exists.
func (s *ConversationService) List(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	convs, err := s.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	hasGlobal := false
	for i := range convs {
		if convs[i].IsGlobal() {
			hasGlobal = true
			break
		}
	}
	if !hasGlobal {
		global, err := s.store.GetConversationBySlug(ctx, model.GlobalSlug)
		switch {
		case err == nil:
			convs = append(convs, *global)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	summaries := make([]model.ConversationSummary, 0, len(convs))
	for i := range convs {
		summary, err := s.summarize(ctx, &convs[i], userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return activity(&summaries[i]).After(activity(&summaries[j]))
	})
	return summaries, nil
}

// MarkRead clears the user's unread counter.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID uint) error {
	if _, _, err := s.Access(ctx, conversationID, userID); err != nil {
		return err
	}
	if _, err := s.store.MarkRead(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Hide hides every message sent so far from the user.
func (s *ConversationService) Hide(ctx context.Context, conversationID, userID uint) error {
	if _, _, err := s.Access(ctx, conversationID, userID); err != nil {
		return err
	}
	if _, err := s.store.HideConversation(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Viewer builds the visibility state of userID in a conversation.
func (s *ConversationService) Viewer(ctx context.Context, p *model.Participant, userID uint, msgs []model.Message) (visibility.Viewer, error) {
	ids := make([]uint, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	deleted, err := s.store.DeletedMessageIDs(ctx, userID, ids)
	if err != nil {
		return visibility.Viewer{}, err
	}
	return visibility.NewViewer(userID, p, deleted), nil
}

func (s *ConversationService) summarize(ctx context.Context, conv *model.Conversation, userID uint) (*model.ConversationSummary, error) {
	participants, err := s.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var self *model.Participant
	for i := range participants {
		if participants[i].UserID == userID {
			self = &participants[i]
			break
		}
	}

	last, err := s.lastVisibleMessage(ctx, conv.ID, self, userID)
	if err != nil {
		return nil, err
	}

	summary := &model.ConversationSummary{
		ID:           conv.ID,
		Slug:         conv.Slug,
		Type:         conv.Type,
		CreatedAt:    conv.CreatedAt,
		LastMessage:  last,
		Participants: s.presenceOf(ctx, participants),
	}
	if self != nil {
		summary.UnreadCount = self.UnreadCount
	}
	return summary, nil
}

func (s *ConversationService) lastVisibleMessage(ctx context.Context, conversationID uint, self *model.Participant, userID uint) (*model.Message, error) {
	var before uint
	for {
		batch, err := s.store.ListMessagesBefore(ctx, conversationID, before, lastMessageBatch)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, nil
		}

		viewer, err := s.Viewer(ctx, self, userID, batch)
		if err != nil {
			return nil, err
		}
		for i := range batch {
			if viewer.Visible(&batch[i]) {
				return &batch[i], nil
			}
		}

		oldest := batch[len(batch)-1]
		// Everything older than the watermark is hidden too.
		if viewer.HiddenSince != nil && !oldest.CreatedAt.After(*viewer.HiddenSince) {
			return nil, nil
		}
		if len(batch) < lastMessageBatch {
			return nil, nil
		}
		before = oldest.ID
	}
}

func (s *ConversationService) presenceOf(ctx context.Context, participants []model.Participant) []model.UserPresence {
	ids := make([]uint, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}

	online := map[uint]bool{}
	if s.presence != nil && len(ids) > 0 {
		var err error
		online, err = s.presence.Online(ctx, ids)
		if err != nil {
			s.logger.Warn("presence lookup failed", zap.Error(err))
			online = map[uint]bool{}
		}
	}

	out := make([]model.UserPresence, 0, len(participants))
	for _, p := range participants {
		up := model.UserPresence{ID: p.UserID, IsOnline: online[p.UserID]}
		if p.User != nil {
			up.Username = p.User.Username
		}
		out = append(out, up)
	}
	return out
}

func activity(s *model.ConversationSummary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}
