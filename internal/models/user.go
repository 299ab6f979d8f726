package models

import (
	"time"
)

// NotificationPreferences allows users to control email notifications.
type NotificationPreferences struct {
	NewMessage     bool `bson:"new_message" json:"new_message"`
	UserSuspension bool `bson:"user_suspension" json:"user_suspension"`
}

// User represents a user in the system.
type User struct {
	Base                    `bson:",inline"`
	Name                    string                   `bson:"name" json:"name"`
	Email                   string                   `bson:"email" json:"email"`
	PasswordHash            string                   `bson:"password" json:"-"` // Store hash, not plaintext
	City                    string                   `bson:"city,omitempty" json:"city,omitempty"`
	Energy                  int                      `bson:"energy" json:"energy"`
	IsAdmin                 bool                     `bson:"is_admin" json:"is_admin"`
	Suspended               bool                     `bson:"suspended" json:"suspended"`
	UpdatedAt               time.Time                `bson:"updated_at" json:"updated_at"`
	CreatedAt               time.Time                `bson:"created_at" json:"created_at"`
	NotificationPreferences *NotificationPreferences `bson:"notification_preferences,omitempty" json:"notification_preferences,omitempty"`
	Deleted                 bool                     `bson:"deleted" json:"-"` // Soft delete flag
}
