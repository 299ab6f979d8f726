package db

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the services rely on. Safe to call
// on every startup; Mongo treats existing identical indexes as a no-op.
//
// The unique indexes are load-bearing: one account per email address,
// and at most one conversation per listing and initiator. The services'
// duplicate-key recovery paths assume these exist.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("email_1").SetUnique(true),
		},
	}
	if _, err := db.Collection("users").Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for 'users' collection: %w", err)
	}

	conversationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "listing_id", Value: 1}, {Key: "initiator_id", Value: 1}},
			Options: options.Index().SetName("listing_id_1_initiator_id_1").SetUnique(true),
		},
	}
	if _, err := db.Collection("conversations").Indexes().CreateMany(ctx, conversationIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for 'conversations' collection: %w", err)
	}

	listingIndexes := []mongo.IndexModel{
		{
			// Backs the city search with its keyset cursor on created_at.
			Keys:    bson.D{{Key: "city", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("city_1_status_1_created_at_-1"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("user_id_1"),
		},
	}
	if _, err := db.Collection("listings").Indexes().CreateMany(ctx, listingIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for 'listings' collection: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("conversation_id_1_created_at_1"),
		},
	}
	if _, err := db.Collection("messages").Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for 'messages' collection: %w", err)
	}

	return nil
}
