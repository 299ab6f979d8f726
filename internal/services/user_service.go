package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hhc777/youlin/internal/auth"
	"github.com/hhc777/youlin/internal/config"
	"github.com/hhc777/youlin/internal/db"
	"github.com/hhc777/youlin/internal/models"
)

// ErrEmailExists is returned when an attempt is made to use an email that already exists.
var ErrEmailExists = errors.New("email already in use by another account")

// ErrInvalidCredentials is returned when email/password authentication fails.
// Deliberately the same error for unknown email and wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrUserSuspended is returned when a suspended user attempts to sign in.
var ErrUserSuspended = errors.New("account is suspended")

// ErrInsufficientEnergy is returned when an energy debit would take the
// balance below the allowed minimum. The balance is left untouched.
var ErrInsufficientEnergy = errors.New("insufficient energy")

// IUserService defines the interface for user-related operations.
// This allows for easier mocking in tests.
type IUserService interface {
	Register(ctx context.Context, name, email, password string) (*models.User, error)
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, name, city string) error
	CreditEnergy(ctx context.Context, userID string, amount int) error
	DebitEnergy(ctx context.Context, userID string, amount, minBalance int) error
	SuspendUser(ctx context.Context, userIDToSuspend, adminUserID string) error
	UnsuspendUser(ctx context.Context, userIDToUnsuspend string) error
	DeleteUserAndListings(ctx context.Context, userID string) error
}

const usersCollection = "users"

// userService implements IUserService.
// Keep the struct unexported if NewUserService is the only intended way to create it.
type userService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewUserService creates a new UserService.
func NewUserService(db *mongo.Database, cfg *config.Config) IUserService {
	return &userService{db: db, cfg: cfg}
}

// Register creates a new activated user with the configured starting
// energy balance. The email must not be in use by a non-deleted account.
func (s *userService) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	collection := s.db.Collection(usersCollection)

	// Pre-check for a friendlier error; the unique email index is the
	// real guard against races.
	count, err := collection.CountDocuments(ctx, bson.M{"email": email, "deleted": false})
	if err != nil {
		return nil, fmt.Errorf("error checking email uniqueness for %s: %w", email, err)
	}
	if count > 0 {
		return nil, ErrEmailExists
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	var newUser *models.User

	operation := func() error {
		newUser = &models.User{
			Base:         models.NewBase(), // ID regenerated on each attempt
			Name:         name,
			Email:        email,
			PasswordHash: hashedPassword,
			Energy:       s.cfg.EnergyStart,
			IsAdmin:      false,
			Suspended:    false,
			Deleted:      false,
			CreatedAt:    now,
			UpdatedAt:    now,
			NotificationPreferences: &models.NotificationPreferences{
				NewMessage:     true,
				UserSuspension: true,
			},
		}
		_, insertErr := collection.InsertOne(ctx, newUser)
		return insertErr
	}

	err = db.Try(operation)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "email_1") {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("error inserting new user for %s after multiple retries: %w", email, err)
	}

	return newUser, nil
}

// Authenticate verifies email/password and returns the matching user.
func (s *userService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if user.Suspended {
		return nil, ErrUserSuspended
	}
	return user, nil
}

// FindByEmail finds a non-deleted user by their email address.
// Returns the user and nil error if found.
// Returns nil and mongo.ErrNoDocuments if not found.
// Returns nil and other error for database issues.
func (s *userService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"email": email, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by email %s: %w", email, err)
	}
	return &user, nil
}

// FindByID finds a non-deleted user by ID.
func (s *userService) FindByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userID, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by ID %s: %w", userID, err)
	}
	return &user, nil
}

// UpdateProfile sets the user's display name and home city.
func (s *userService) UpdateProfile(ctx context.Context, userID string, name, city string) error {
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userID, "deleted": false}
	update := bson.M{"$set": bson.M{
		"name":       name,
		"city":       city,
		"updated_at": time.Now().UTC(),
	}}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error updating profile for user %s: %w", userID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// CreditEnergy atomically increases the user's energy balance.
func (s *userService) CreditEnergy(ctx context.Context, userID string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userID, "deleted": false}
	update := bson.M{
		"$inc": bson.M{"energy": amount},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error crediting energy for user %s: %w", userID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// DebitEnergy atomically decreases the user's energy balance, but only
// if the balance before the debit is at least minBalance. The check and
// the decrement are a single filtered update, so concurrent debits
// cannot take the balance below the floor.
func (s *userService) DebitEnergy(ctx context.Context, userID string, amount, minBalance int) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}
	collection := s.db.Collection(usersCollection)
	filter := bson.M{
		"_id":     userID,
		"deleted": false,
		"energy":  bson.M{"$gte": minBalance},
	}
	update := bson.M{
		"$inc": bson.M{"energy": -amount},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error debiting energy for user %s: %w", userID, err)
	}
	if result.MatchedCount == 0 {
		// Either the user does not exist or the balance was too low.
		// Distinguish so the caller can surface the right message.
		count, countErr := collection.CountDocuments(ctx, bson.M{"_id": userID, "deleted": false})
		if countErr != nil {
			return fmt.Errorf("db error diagnosing failed debit for user %s: %w", userID, countErr)
		}
		if count == 0 {
			return fmt.Errorf("user %s not found", userID)
		}
		return ErrInsufficientEnergy
	}
	return nil
}

// SuspendUser marks a user as suspended.
// Ensures an admin cannot suspend themselves.
func (s *userService) SuspendUser(ctx context.Context, userIDToSuspend, adminUserID string) error {
	if userIDToSuspend == adminUserID {
		return fmt.Errorf("admin cannot suspend themselves")
	}
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userIDToSuspend, "deleted": false}
	update := bson.M{"$set": bson.M{"suspended": true, "updated_at": time.Now().UTC()}}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error suspending user %s: %w", userIDToSuspend, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user %s not found", userIDToSuspend)
	}
	return nil
}

// UnsuspendUser clears a user's suspended flag.
func (s *userService) UnsuspendUser(ctx context.Context, userIDToUnsuspend string) error {
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userIDToUnsuspend, "deleted": false}
	update := bson.M{"$set": bson.M{"suspended": false, "updated_at": time.Now().UTC()}}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error unsuspending user %s: %w", userIDToUnsuspend, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user %s not found", userIDToUnsuspend)
	}
	return nil
}

// DeleteUserAndListings performs a soft delete on a user and all their listings.
func (s *userService) DeleteUserAndListings(ctx context.Context, userID string) error {
	collection := s.db.Collection(usersCollection)
	now := time.Now().UTC()

	filter := bson.M{"_id": userID}
	update := bson.M{
		"$set": bson.M{
			"deleted":    true,
			"deleted_at": now,
			"updated_at": now,
		},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error deleting user %s: %w", userID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("user %s not found", userID)
	}

	listingsColl := s.db.Collection(listingsCollection)
	listingFilter := bson.M{
		"user_id": userID,
		"deleted": false,
	}
	listingUpdate := bson.M{
		"$set": bson.M{
			"deleted":    true,
			"deleted_at": now,
			"updated_at": now,
		},
	}

	_, err = listingsColl.UpdateMany(ctx, listingFilter, listingUpdate)
	if err != nil {
		return fmt.Errorf("db error deleting listings for user %s: %w", userID, err)
	}

	return nil
}
