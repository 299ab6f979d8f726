package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hhc777/youlin/internal/config"
	"github.com/hhc777/youlin/internal/models"
)

// ErrSelfConversation is returned when a listing's owner tries to open
// a conversation about their own listing.
var ErrSelfConversation = errors.New("cannot open a conversation about your own listing")

// ErrNotParticipant is returned when a user who is neither the listing
// owner nor the initiator touches a conversation.
var ErrNotParticipant = errors.New("user is not a participant in this conversation")

// ErrConversationNotFound is returned when no conversation matches the
// given ID in either the database or the ephemeral store.
var ErrConversationNotFound = errors.New("conversation not found")

// IChatService defines the interface for conversation and message operations.
type IChatService interface {
	OpenConversation(ctx context.Context, listingID, userID string) (*models.Conversation, []models.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, body string) (*models.Message, error)
	GetMessages(ctx context.Context, conversationID, userID string) ([]models.Message, error)
	FindConversationByID(ctx context.Context, conversationID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	Degraded() bool
}

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// chatService implements IChatService. When the conversation storage is
// unavailable for structural reasons (missing collection, insufficient
// permissions) it switches to an ephemeral in-memory store for the rest
// of the process lifetime: chats keep working but do not survive a
// restart and are never shared across instances.
type chatService struct {
	db         *mongo.Database
	cfg        *config.Config
	listingSvc IListingService

	mutex         sync.RWMutex
	degraded      bool
	conversations map[string]*models.Conversation // by conversation ID, ephemeral mode only
	messages      map[string][]models.Message     // by conversation ID, ephemeral mode only
}

// NewChatService creates a new ChatService.
func NewChatService(db *mongo.Database, cfg *config.Config, listingSvc IListingService) IChatService {
	return &chatService{
		db:            db,
		cfg:           cfg,
		listingSvc:    listingSvc,
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

// Degraded reports whether the service has fallen back to the ephemeral
// in-memory store.
func (s *chatService) Degraded() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.degraded
}

// isStructuralStorageError recognizes Mongo errors that indicate the
// conversation storage is structurally unusable rather than transiently
// failing: NamespaceNotFound (26) and Unauthorized (13). Transient
// errors (timeouts, network) do not trip the fallback.
func isStructuralStorageError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 26 || cmdErr.Code == 13
	}
	return false
}

// enterDegradedMode flips the service to the ephemeral store. Sticky
// for the process lifetime.
func (s *chatService) enterDegradedMode(cause error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.degraded {
		return
	}
	s.degraded = true
	log.Printf("WARNING: conversation storage unusable (%v); chat switched to ephemeral in-memory mode", cause)
}

// OpenConversation resolves or creates the conversation between the
// caller and the listing's owner. The caller must not be the owner.
// Returns the conversation and its message history, oldest first.
func (s *chatService) OpenConversation(ctx context.Context, listingID, userID string) (*models.Conversation, []models.Message, error) {
	listing, err := s.listingSvc.FindListingByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, fmt.Errorf("listing %s not found", listingID)
		}
		return nil, nil, err
	}
	if listing.UserID == userID {
		return nil, nil, ErrSelfConversation
	}

	if s.Degraded() {
		conv := s.resolveEphemeral(listing, userID)
		return conv, s.ephemeralHistory(conv.ID), nil
	}

	collection := s.db.Collection(conversationsCollection)
	filter := bson.M{"listing_id": listingID, "initiator_id": userID}

	var conv models.Conversation
	err = collection.FindOne(ctx, filter).Decode(&conv)
	if err == nil {
		history, histErr := s.loadHistory(ctx, conv.ID)
		if histErr != nil {
			return nil, nil, histErr
		}
		return &conv, history, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		if isStructuralStorageError(err) {
			s.enterDegradedMode(err)
			c := s.resolveEphemeral(listing, userID)
			return c, s.ephemeralHistory(c.ID), nil
		}
		return nil, nil, fmt.Errorf("error resolving conversation for listing %s: %w", listingID, err)
	}

	now := time.Now().UTC()
	newConv := &models.Conversation{
		ID:            models.NewBase().ID,
		ListingID:     listingID,
		OwnerID:       listing.UserID,
		InitiatorID:   userID,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	_, err = collection.InsertOne(ctx, newConv)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost a race with a concurrent open; use the winner's row.
			if findErr := collection.FindOne(ctx, filter).Decode(&conv); findErr == nil {
				history, histErr := s.loadHistory(ctx, conv.ID)
				if histErr != nil {
					return nil, nil, histErr
				}
				return &conv, history, nil
			}
		}
		if isStructuralStorageError(err) {
			s.enterDegradedMode(err)
			c := s.resolveEphemeral(listing, userID)
			return c, s.ephemeralHistory(c.ID), nil
		}
		return nil, nil, fmt.Errorf("error creating conversation for listing %s: %w", listingID, err)
	}

	return newConv, []models.Message{}, nil
}

// SendMessage appends a message to the conversation and bumps its
// last-message timestamp. The sender must be a participant.
func (s *chatService) SendMessage(ctx context.Context, conversationID, senderID, body string) (*models.Message, error) {
	if body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	conv, err := s.FindConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	receiverID := conv.OwnerID
	if senderID == conv.OwnerID {
		receiverID = conv.InitiatorID
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:             models.NewBase().ID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		CreatedAt:      now,
	}

	if conv.Ephemeral || s.Degraded() {
		s.mutex.Lock()
		s.messages[conv.ID] = append(s.messages[conv.ID], *msg)
		if stored, ok := s.conversations[conv.ID]; ok {
			stored.LastMessageAt = now
		}
		s.mutex.Unlock()
		return msg, nil
	}

	_, err = s.db.Collection(messagesCollection).InsertOne(ctx, msg)
	if err != nil {
		if isStructuralStorageError(err) {
			s.enterDegradedMode(err)
			return nil, fmt.Errorf("conversation storage became unavailable, please retry: %w", err)
		}
		return nil, fmt.Errorf("error inserting message into conversation %s: %w", conv.ID, err)
	}

	_, err = s.db.Collection(conversationsCollection).UpdateOne(ctx,
		bson.M{"_id": conv.ID},
		bson.M{"$set": bson.M{"last_message_at": now}},
	)
	if err != nil {
		// The message is stored; a stale inbox ordering is tolerable.
		log.Printf("WARNING: failed to bump last_message_at for conversation %s: %v", conv.ID, err)
	}

	return msg, nil
}

// GetMessages returns the conversation history oldest first. The caller
// must be a participant.
func (s *chatService) GetMessages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	conv, err := s.FindConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	if conv.Ephemeral {
		return s.ephemeralHistory(conv.ID), nil
	}
	return s.loadHistory(ctx, conv.ID)
}

// FindConversationByID looks a conversation up in the database or, in
// degraded mode, the ephemeral store.
func (s *chatService) FindConversationByID(ctx context.Context, conversationID string) (*models.Conversation, error) {
	s.mutex.RLock()
	if conv, ok := s.conversations[conversationID]; ok {
		convCopy := *conv
		s.mutex.RUnlock()
		return &convCopy, nil
	}
	degraded := s.degraded
	s.mutex.RUnlock()

	if degraded {
		return nil, ErrConversationNotFound
	}

	var conv models.Conversation
	err := s.db.Collection(conversationsCollection).FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		if isStructuralStorageError(err) {
			s.enterDegradedMode(err)
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("error finding conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// ListConversations returns all conversations the user participates in,
// most recently active first. Ephemeral conversations are merged in
// when the service is degraded.
func (s *chatService) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var results []models.Conversation

	if !s.Degraded() {
		collection := s.db.Collection(conversationsCollection)
		filter := bson.M{"$or": bson.A{
			bson.M{"owner_id": userID},
			bson.M{"initiator_id": userID},
		}}
		opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})

		cursor, err := collection.Find(ctx, filter, opts)
		if err != nil {
			if isStructuralStorageError(err) {
				s.enterDegradedMode(err)
			} else {
				return nil, fmt.Errorf("failed to query conversations for user %s: %w", userID, err)
			}
		} else {
			defer cursor.Close(ctx)
			if err = cursor.All(ctx, &results); err != nil {
				return nil, fmt.Errorf("failed to decode conversations for user %s: %w", userID, err)
			}
		}
	}

	s.mutex.RLock()
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			results = append(results, *conv)
		}
	}
	s.mutex.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].LastMessageAt.After(results[j].LastMessageAt)
	})
	return results, nil
}

// resolveEphemeral finds or creates an in-memory conversation for the
// (listing, initiator) pair.
func (s *chatService) resolveEphemeral(listing *models.Listing, userID string) *models.Conversation {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, conv := range s.conversations {
		if conv.ListingID == listing.ID && conv.InitiatorID == userID {
			convCopy := *conv
			return &convCopy
		}
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:            models.NewBase().ID,
		ListingID:     listing.ID,
		OwnerID:       listing.UserID,
		InitiatorID:   userID,
		Ephemeral:     true,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	convCopy := *conv
	return &convCopy
}

func (s *chatService) ephemeralHistory(conversationID string) []models.Message {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	history := make([]models.Message, len(s.messages[conversationID]))
	copy(history, s.messages[conversationID])
	return history
}

// loadHistory fetches persisted messages for a conversation, oldest first.
func (s *chatService) loadHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	collection := s.db.Collection(messagesCollection)
	filter := bson.M{"conversation_id": conversationID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		if isStructuralStorageError(err) {
			s.enterDegradedMode(err)
			return []models.Message{}, nil
		}
		return nil, fmt.Errorf("failed to query messages for conversation %s: %w", conversationID, err)
	}
	defer cursor.Close(ctx)

	results := []models.Message{}
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode messages for conversation %s: %w", conversationID, err)
	}
	return results, nil
}
