package models

import (
	"time"
)

// Conversation threads messages between a listing's owner and one
// interested user. Participants are fixed at creation time; the pair
// (listing, initiator) is unique. Ephemeral conversations are held in
// memory only and never reach the database.
type Conversation struct {
	ID            string    `bson:"_id,omitempty" json:"id,omitempty"`
	ListingID     string    `bson:"listing_id" json:"listing_id"`
	OwnerID       string    `bson:"owner_id" json:"owner_id"`
	InitiatorID   string    `bson:"initiator_id" json:"initiator_id"`
	Ephemeral     bool      `bson:"-" json:"ephemeral,omitempty"`
	LastMessageAt time.Time `bson:"last_message_at" json:"last_message_at"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// Message is a single chat message inside a conversation. Append-only.
type Message struct {
	ID             string    `bson:"_id,omitempty" json:"id,omitempty"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	SenderID       string    `bson:"sender_id" json:"sender_id"`
	ReceiverID     string    `bson:"receiver_id" json:"receiver_id"`
	Body           string    `bson:"body" json:"body"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// Participants returns the two user IDs party to the conversation.
func (c *Conversation) Participants() [2]string {
	return [2]string{c.OwnerID, c.InitiatorID}
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.OwnerID || userID == c.InitiatorID
}
