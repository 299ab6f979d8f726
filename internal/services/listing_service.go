package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hhc777/youlin/internal/config"
	"github.com/hhc777/youlin/internal/db"
	"github.com/hhc777/youlin/internal/models"
	"github.com/hhc777/youlin/internal/reputation"
)

// ErrTitleRequired is returned when a listing draft has an empty title.
var ErrTitleRequired = errors.New("listing title is required")

// ErrSeekNotAllowed is returned when the user's reputation tier does not
// permit creating "seek" listings.
var ErrSeekNotAllowed = errors.New("reputation tier does not permit seek listings")

// IListingService defines the interface for listing-related operations.
type IListingService interface {
	CreateListing(ctx context.Context, userID string, listingType models.ListingType, title, description, city, area string) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID string) (*models.Listing, error)
	SearchListings(ctx context.Context, city, area string, limit int, cursor string) ([]models.Listing, string, error)
	UpdateListing(ctx context.Context, listingID, userID string, updates map[string]interface{}) (*models.Listing, error)
	RevokeListing(ctx context.Context, listingID, userID string) error
	AddPhotoToListing(ctx context.Context, listingID string, photoKey string) error
	FindListingsByUserID(ctx context.Context, userID string) ([]models.Listing, error)
}

const listingsCollection = "listings"

// listingService implements IListingService.
type listingService struct {
	db      *mongo.Database
	cfg     *config.Config
	userSvc IUserService
}

// NewListingService creates a new ListingService.
func NewListingService(db *mongo.Database, cfg *config.Config, userSvc IUserService) IListingService {
	return &listingService{db: db, cfg: cfg, userSvc: userSvc}
}

// CreateListing validates the draft, applies the reputation/energy gate
// and writes the listing. A "seek" post debits the configured energy
// amount up front via a conditional update, so concurrent posts by the
// same user cannot overdraw the balance; an "offer" post credits energy
// after the insert succeeds. If the insert fails after a debit, the
// debit is refunded.
func (s *listingService) CreateListing(ctx context.Context, userID string, listingType models.ListingType, title, description, city, area string) (*models.Listing, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrTitleRequired
	}
	if listingType != models.ListingTypeOffer && listingType != models.ListingTypeSeek {
		return nil, fmt.Errorf("unknown listing type %q", listingType)
	}
	if strings.TrimSpace(city) == "" {
		return nil, fmt.Errorf("listing city is required")
	}

	if listingType == models.ListingTypeSeek {
		user, err := s.userSvc.FindByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load user %s for energy gate: %w", userID, err)
		}
		if !reputation.TierFor(user.Energy).CanSeek {
			return nil, ErrSeekNotAllowed
		}
		// Debit first. The filter re-checks the balance atomically, so
		// the tier check above racing with another post cannot overdraw.
		if err := s.userSvc.DebitEnergy(ctx, userID, s.cfg.EnergySeekDelta, s.cfg.EnergySeekMin); err != nil {
			return nil, err
		}
	}

	collection := s.db.Collection(listingsCollection)
	now := time.Now().UTC()
	var newListing *models.Listing

	operation := func() error {
		newListing = &models.Listing{
			ID:          models.NewBase().ID, // ID regenerated on each attempt
			UserID:      userID,
			Type:        listingType,
			Title:       title,
			Description: description,
			City:        city,
			Area:        area,
			Photos:      []string{},
			Status:      models.ListingStatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
			Deleted:     false,
		}
		_, insertErr := collection.InsertOne(ctx, newListing)
		return insertErr
	}

	if err := db.Try(operation); err != nil {
		if listingType == models.ListingTypeSeek {
			// Refund the up-front debit so a failed insert leaves the
			// balance unchanged.
			if refundErr := s.userSvc.CreditEnergy(ctx, userID, s.cfg.EnergySeekDelta); refundErr != nil {
				log.Printf("ERROR: failed to refund energy debit for user %s after listing insert failure: %v", userID, refundErr)
			}
		}
		return nil, fmt.Errorf("error inserting new listing for user %s after multiple retries: %w", userID, err)
	}

	if listingType == models.ListingTypeOffer {
		if err := s.userSvc.CreditEnergy(ctx, userID, s.cfg.EnergyOfferDelta); err != nil {
			// The listing exists; the reward is best-effort.
			log.Printf("ERROR: failed to credit energy for user %s after offer %s: %v", userID, newListing.ID, err)
		}
	}

	return newListing, nil
}

// FindListingByID finds a non-deleted listing by its ID.
func (s *listingService) FindListingByID(ctx context.Context, listingID string) (*models.Listing, error) {
	var listing models.Listing
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing by ID %s: %w", listingID, err)
	}
	return &listing, nil
}

// SearchListings returns active listings for a city, newest first,
// optionally narrowed by a case-insensitive area substring. Pagination
// uses a `<unix-ts>_<id>` cursor over (created_at, _id) so pages stay
// stable while new listings arrive.
func (s *listingService) SearchListings(ctx context.Context, city, area string, limit int, cursor string) ([]models.Listing, string, error) {
	collection := s.db.Collection(listingsCollection)

	filter := bson.M{
		"city":    city,
		"status":  models.ListingStatusActive,
		"deleted": false,
	}
	if area != "" {
		filter["area"] = bson.M{"$regex": regexp.QuoteMeta(area), "$options": "i"}
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1))
	opts.SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})

	if cursor != "" {
		parts := strings.SplitN(cursor, "_", 2)
		if len(parts) == 2 {
			timestampMs, tsErr := strconv.ParseInt(parts[0], 10, 64)
			if tsErr == nil && parts[1] != "" {
				// Millisecond precision matches what Mongo stores, so the
				// equality branch of the tie-break round-trips exactly.
				cursorTime := time.UnixMilli(timestampMs).UTC()
				// Items created at the same instant but with a smaller ID,
				// or items created earlier.
				filter["$or"] = bson.A{
					bson.M{"created_at": cursorTime, "_id": bson.M{"$lt": parts[1]}},
					bson.M{"created_at": bson.M{"$lt": cursorTime}},
				}
			} else {
				log.Printf("WARN: Invalid cursor format received: %s", cursor)
			}
		} else {
			log.Printf("WARN: Invalid cursor format received: %s", cursor)
		}
	}

	listCursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute listing search query: %w", err)
	}
	defer listCursor.Close(ctx)

	var results []models.Listing
	if err = listCursor.All(ctx, &results); err != nil {
		return nil, "", fmt.Errorf("failed to decode listing search results: %w", err)
	}

	nextCursor := ""
	if len(results) > limit {
		lastItem := results[limit-1]
		nextCursor = fmt.Sprintf("%d_%s", lastItem.CreatedAt.UnixMilli(), lastItem.ID)
		results = results[:limit]
	}

	return results, nextCursor, nil
}

// UpdateListing rewrites the editable fields of an active listing owned
// by the caller. Ownership is enforced by the update filter.
func (s *listingService) UpdateListing(ctx context.Context, listingID, userID string, updates map[string]interface{}) (*models.Listing, error) {
	collection := s.db.Collection(listingsCollection)

	// Ensure only allowed fields are updated (prevent changing ownership, status etc.)
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "title", "description", "type", "area":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("field '%s' cannot be updated via UpdateListing", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("no valid fields provided for update")
	}
	if title, ok := allowedUpdates["title"].(string); ok && strings.TrimSpace(title) == "" {
		return nil, ErrTitleRequired
	}
	if listingType, ok := allowedUpdates["type"].(string); ok {
		if models.ListingType(listingType) != models.ListingTypeOffer && models.ListingType(listingType) != models.ListingTypeSeek {
			return nil, fmt.Errorf("unknown listing type %q", listingType)
		}
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	filter := bson.M{
		"_id":     listingID,
		"user_id": userID,
		"status":  models.ListingStatusActive,
		"deleted": false,
	}

	update := bson.M{"$set": allowedUpdates}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updatedListing models.Listing
	err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updatedListing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Could be not found, wrong user, deleted, or already revoked
			return nil, fmt.Errorf("listing not found, not owned by user, or cannot be updated")
		}
		return nil, fmt.Errorf("failed to update listing %s: %w", listingID, err)
	}

	return &updatedListing, nil
}

// RevokeListing flips an active listing to inactive. The row stays in
// place and is simply excluded from searches.
func (s *listingService) RevokeListing(ctx context.Context, listingID, userID string) error {
	collection := s.db.Collection(listingsCollection)

	filter := bson.M{
		"_id":     listingID,
		"user_id": userID,
		"status":  models.ListingStatusActive,
		"deleted": false,
	}
	update := bson.M{"$set": bson.M{
		"status":     models.ListingStatusInactive,
		"updated_at": time.Now().UTC(),
	}}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error revoking listing %s: %w", listingID, err)
	}
	if result.MatchedCount == 0 {
		// Diagnose why the filtered update matched nothing.
		var listing models.Listing
		errCheck := collection.FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
		if errors.Is(errCheck, mongo.ErrNoDocuments) {
			return fmt.Errorf("listing %s not found", listingID)
		}
		if errCheck != nil {
			return fmt.Errorf("db error diagnosing failed revoke of listing %s: %w", listingID, errCheck)
		}
		if listing.UserID != userID {
			return fmt.Errorf("listing %s does not belong to user %s", listingID, userID)
		}
		if listing.Deleted {
			return fmt.Errorf("listing %s is deleted", listingID)
		}
		return fmt.Errorf("listing %s is already inactive", listingID)
	}

	return nil
}

// AddPhotoToListing appends a processed photo key to the listing. It is
// called by the background image task after the resized photo lands in
// object storage.
func (s *listingService) AddPhotoToListing(ctx context.Context, listingID string, photoKey string) error {
	collection := s.db.Collection(listingsCollection)

	filter := bson.M{"_id": listingID, "deleted": false}
	update := bson.M{
		"$push": bson.M{"photos": photoKey},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error adding photo to listing %s: %w", listingID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("listing %s not found", listingID)
	}
	return nil
}

// FindListingsByUserID returns all non-deleted listings owned by the
// user, including inactive ones, newest first.
func (s *listingService) FindListingsByUserID(ctx context.Context, userID string) ([]models.Listing, error) {
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"user_id": userID, "deleted": false}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings for user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var results []models.Listing
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode listings for user %s: %w", userID, err)
	}
	return results, nil
}
