package models

import (
	"time"
)

// ListingType distinguishes giving something away from asking for something.
type ListingType string

const (
	ListingTypeOffer ListingType = "offer"
	ListingTypeSeek  ListingType = "seek"
)

// ListingStatus is the lifecycle state of a listing. Revoked listings
// keep their row but flip to inactive; nothing is physically removed.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusInactive ListingStatus = "inactive"
)

// Listing represents a community listing.
type Listing struct {
	ID          string        `bson:"_id,omitempty" json:"id,omitempty"`
	UserID      string        `bson:"user_id" json:"user_id"`
	Type        ListingType   `bson:"type" json:"type"`
	Title       string        `bson:"title" json:"title"`
	Description string        `bson:"description" json:"description"`
	City        string        `bson:"city" json:"city"`
	Area        string        `bson:"area" json:"area"`
	Photos      []string      `bson:"photos" json:"photos"` // S3 keys
	Status      ListingStatus `bson:"status" json:"status"`
	UpdatedAt   time.Time     `bson:"updated_at" json:"updated_at"`
	CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
	Deleted     bool          `bson:"deleted" json:"-"` // Soft delete flag
}
