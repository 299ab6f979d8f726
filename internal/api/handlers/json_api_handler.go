package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hhc777/youlin/internal/auth"
	"github.com/hhc777/youlin/internal/config"
	"github.com/hhc777/youlin/internal/email"
	"github.com/hhc777/youlin/internal/models"
	"github.com/hhc777/youlin/internal/reputation"
	"github.com/hhc777/youlin/internal/services"
	"github.com/hhc777/youlin/internal/session"
	"github.com/hhc777/youlin/internal/storage"
	"github.com/hhc777/youlin/internal/tasks"
)

// Context key type for AuthResult
type authContextKey string

const authResultKey authContextKey = "authResult"

// Helper to get AuthResult from context
func getAuthFromContext(ctx context.Context) (*AuthResult, bool) {
	val, ok := ctx.Value(authResultKey).(*AuthResult)
	return val, ok
}

// IAsynqClient defines the interface for the Asynq client methods used by the handler.
// This allows easier mocking than using the concrete asynq.Client.
type IAsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ISessionBroker defines the session broker methods used by the handler.
type ISessionBroker interface {
	Publish(ctx context.Context, event session.Event) error
	Revoke(ctx context.Context, userID string) error
	Restore(ctx context.Context, userID string) error
	IsRevoked(ctx context.Context, userID string) (bool, error)
}

// JsonApiRequest defines the expected structure for JSON API requests.
type JsonApiRequest struct {
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// JsonApiResponse defines the structure for JSON API responses.
type JsonApiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// apiMethodFunc defines the signature for handler methods.
type apiMethodFunc func(c *gin.Context, args json.RawMessage) (interface{}, *ApiError)

// JsonApiHandler holds dependencies for handling JSON API requests.
type JsonApiHandler struct {
	cfg            *config.Config
	db             *mongo.Database
	rdb            *redis.Client
	userService    services.IUserService
	listingService services.IListingService
	chatService    services.IChatService
	storageService storage.IS3Storage
	taskClient     IAsynqClient
	sessionBroker  ISessionBroker
	methods        map[string]apiMethodFunc
}

// NewJsonApiHandler creates a new handler for the JSON API endpoint.
// Accepts interfaces for dependencies.
func NewJsonApiHandler(
	cfg *config.Config,
	db *mongo.Database,
	rdb *redis.Client,
	taskClient IAsynqClient,
	userService services.IUserService,
	listingService services.IListingService,
	chatService services.IChatService,
	storageService storage.IS3Storage,
	sessionBroker ISessionBroker,
) *JsonApiHandler {
	h := &JsonApiHandler{
		cfg:            cfg,
		db:             db,
		rdb:            rdb,
		taskClient:     taskClient,
		userService:    userService,
		listingService: listingService,
		chatService:    chatService,
		storageService: storageService,
		sessionBroker:  sessionBroker,
	}
	h.methods = map[string]apiMethodFunc{
		"ping":               h.ping,
		"signUp":             h.signUp,
		"signIn":             h.signIn,
		"signOut":            h.signOut,
		"refreshToken":       h.refreshToken,
		"getMyProfile":       h.getMyProfile,
		"updateProfile":      h.updateProfile,
		"createListing":      h.createListing,
		"updateListing":      h.updateListing,
		"revokeListing":      h.revokeListing,
		"openConversation":   h.openConversation,
		"sendMessage":        h.sendMessage,
		"getConversations":   h.getConversations,
		"getMessages":        h.getMessages,
		"getUploadURL":       h.getUploadURL,
		"confirmPhotoUpload": h.confirmPhotoUpload,
		"suspendUser":        h.suspendUser,
		"unSuspendUser":      h.unSuspendUser,
	}
	return h
}

// HandleRequest is the main entry point for POST /v1/api
func (h *JsonApiHandler) HandleRequest(c *gin.Context) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.sendErrorResponse(c, "Failed to read request body")
		return
	}

	var req JsonApiRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.sendErrorResponse(c, "Invalid JSON request format")
		return
	}

	authErr := h.checkAuthForMethod(c, req.Method)
	if authErr != nil {
		h.sendErrorResponse(c, authErr.Message)
		return
	}

	var result interface{}
	var apiErr *ApiError

	if handlerFunc, ok := h.methods[req.Method]; ok {
		result, apiErr = handlerFunc(c, req.Arguments)
	} else {
		h.sendErrorResponse(c, fmt.Sprintf("Unknown method: %s", req.Method))
		return
	}

	if apiErr != nil {
		h.sendErrorResponse(c, apiErr.Message)
		return
	}

	h.sendSuccessResponse(c, result)
}

// AuthResult holds optional authentication details
type AuthResult struct {
	UserID  *string // nil for guests
	IsAdmin bool
}

// checkAuthForMethod checks if auth is needed and validates/extracts details if so.
// It stores the AuthResult in c.Request.Context().
func (h *JsonApiHandler) checkAuthForMethod(c *gin.Context, method string) *ApiError {
	needsAuth := h.methodRequiresAuth(method)
	needsAdmin := h.methodRequiresAdmin(method)
	var authRes *AuthResult

	if !needsAuth && !needsAdmin {
		// If method is public, check if an optional Auth header is present anyway
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			claims, err := auth.ValidateJWT(tokenString, h.cfg.JwtSecret)
			switch {
			case err != nil:
				// Invalid optional token? Log it but proceed as guest
				log.Printf("DEBUG: Invalid optional auth token provided for method %s: %v", method, err)
				authRes = &AuthResult{UserID: nil, IsAdmin: false} // Guest
			case h.sessionRevoked(c.Request.Context(), claims.UserID):
				// A revoked token on a public method degrades to guest access
				authRes = &AuthResult{UserID: nil, IsAdmin: false}
			default:
				userID := claims.UserID
				authRes = &AuthResult{UserID: &userID, IsAdmin: claims.IsAdmin}
			}
		} else {
			authRes = &AuthResult{UserID: nil, IsAdmin: false} // Guest
		}
		ctx := context.WithValue(c.Request.Context(), authResultKey, authRes)
		c.Request = c.Request.WithContext(ctx)
		return nil // Proceed as guest or with optional auth
	}

	// Auth is required
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return NewApiError("Authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return NewApiError("Authorization header format must be Bearer {token}")
	}
	tokenString := parts[1]
	claims, err := auth.ValidateJWT(tokenString, h.cfg.JwtSecret)
	if err != nil {
		log.Printf("DEBUG: Token validation failed for method %s: %v", method, err)
		return NewApiError(fmt.Sprintf("Invalid or expired token: %v", err))
	}

	// A cryptographically valid token is still useless once the session
	// broker has revoked the user, for example after a suspension.
	if h.sessionRevoked(c.Request.Context(), claims.UserID) {
		log.Printf("DEBUG: Rejected revoked session for user %s on method %s", claims.UserID, method)
		return NewApiError("session_revoked")
	}

	// Check admin privileges if required
	if needsAdmin && !claims.IsAdmin {
		log.Printf("DEBUG: Admin privileges required but not present for method %s", method)
		return NewApiError("Administrator privileges required")
	}

	userID := claims.UserID
	authRes = &AuthResult{UserID: &userID, IsAdmin: claims.IsAdmin}
	ctx := context.WithValue(c.Request.Context(), authResultKey, authRes)
	c.Request = c.Request.WithContext(ctx)
	return nil
}

// methodRequiresAuth checks if a given API method requires authentication.
func (h *JsonApiHandler) methodRequiresAuth(method string) bool {
	switch method {
	// List authenticated methods
	case "signOut",
		"refreshToken",
		"getMyProfile",
		"updateProfile",
		"createListing",
		"updateListing",
		"revokeListing",
		"openConversation",
		"sendMessage",
		"getConversations",
		"getMessages",
		"getUploadURL",
		"confirmPhotoUpload",
		"suspendUser",   // Admin, requires auth
		"unSuspendUser": // Admin, requires auth
		return true

	// Public methods by default
	case "ping",
		"signUp",
		"signIn":
		return false

	default:
		log.Printf("Warning: methodRequiresAuth check for unlisted method '%s', defaulting to false (public)", method)
		return false
	}
}

// methodRequiresAdmin checks if a given API method requires admin privileges.
func (h *JsonApiHandler) methodRequiresAdmin(method string) bool {
	switch method {
	case "suspendUser",
		"unSuspendUser":
		return true
	default:
		return false
	}
}

// --- Private helper methods ---

func (h *JsonApiHandler) sendSuccessResponse(c *gin.Context, data interface{}) {
	resp := JsonApiResponse{Success: true, Data: data}
	c.JSON(http.StatusOK, resp)
}

func (h *JsonApiHandler) sendErrorResponse(c *gin.Context, message string) {
	resp := JsonApiResponse{Success: false, Error: message}
	c.JSON(http.StatusOK, resp)
}

type ApiError struct {
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func NewApiError(message string) *ApiError {
	return &ApiError{Message: message}
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// parseRequiredSingleArgFromArray takes the raw JSON message for 'arguments',
// expects it to be a JSON array with at least one element,
// and unmarshals that first element into targetVarPtr.
func (h *JsonApiHandler) parseRequiredSingleArgFromArray(rawArgPayload json.RawMessage, targetVarPtr interface{}) *ApiError {
	var argArray []json.RawMessage
	if rawArgPayload == nil { // 'arguments' field was not provided
		return NewApiError("Missing 'arguments' field; expected a JSON array with one argument.")
	}

	if err := json.Unmarshal(rawArgPayload, &argArray); err != nil {
		// 'arguments' was present but wasn't a valid JSON array
		return NewApiError("Invalid 'arguments': expected a JSON array.")
	}

	if len(argArray) == 0 {
		// 'arguments' was '[]'
		return NewApiError("Invalid 'arguments': array is empty, but one argument is expected.")
	}

	actualArgData := argArray[0] // Get the first element
	if err := json.Unmarshal(actualArgData, targetVarPtr); err != nil {
		return NewApiError("Invalid format for argument: the first element in 'arguments' array has unexpected structure.")
	}
	return nil
}

// profileView is the caller-facing shape of a user account.
type profileView struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Email  string          `json:"email"`
	City   string          `json:"city,omitempty"`
	Energy int             `json:"energy"`
	Tier   reputation.Tier `json:"tier"`
}

func profileViewOf(user *models.User) profileView {
	return profileView{
		ID:     user.ID,
		Name:   user.Name,
		Email:  user.Email,
		City:   user.City,
		Energy: user.Energy,
		Tier:   reputation.TierFor(user.Energy),
	}
}

// --- API Method Implementations ---

func (h *JsonApiHandler) ping(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args // Explicitly ignore unused args
	return "pong", nil
}

// SignUpArgs defines the arguments for the signUp method.
type SignUpArgs struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	City     string `json:"city"`
}

func (h *JsonApiHandler) signUp(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs SignUpArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	if !emailRegex.MatchString(reqArgs.Email) {
		return nil, NewApiError("invalid_email")
	}
	if strings.TrimSpace(reqArgs.Name) == "" {
		return nil, NewApiError("Name cannot be empty")
	}
	if len(reqArgs.Password) < auth.MinPasswordLength {
		return nil, NewApiError(fmt.Sprintf("Password must be at least %d characters", auth.MinPasswordLength))
	}

	ctx := c.Request.Context()
	user, err := h.userService.Register(ctx, reqArgs.Name, reqArgs.Email, reqArgs.Password)
	if err != nil {
		if errors.Is(err, services.ErrEmailExists) {
			return nil, NewApiError("email_exists")
		}
		log.Printf("Error registering user %s: %v", reqArgs.Email, err)
		return nil, NewApiError("Registration failed")
	}

	if reqArgs.City != "" {
		if err := h.userService.UpdateProfile(ctx, user.ID, user.Name, reqArgs.City); err != nil {
			log.Printf("WARNING: failed to set city for new user %s: %v", user.ID, err)
		} else {
			user.City = reqArgs.City
		}
	}

	token, err := auth.GenerateJWT(user.ID, user.IsAdmin, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		log.Printf("Failed to generate JWT for new user %s: %v", user.ID, err)
		return nil, NewApiError("Registration succeeded but session creation failed, please sign in")
	}

	h.enqueueEmail(ctx, user.Email, string(email.ActionWelcome), map[string]interface{}{
		"app_name": h.cfg.AppName,
		"name":     user.Name,
		"city":     user.City,
	})

	h.publishSessionEvent(ctx, session.Event{Type: session.EventSignIn, UserID: user.ID})

	log.Printf("Registered new user %s (%s)", user.ID, user.Email)
	return gin.H{
		"token":   token,
		"profile": profileViewOf(user),
	}, nil
}

// SignInArgs defines the arguments for the signIn method.
type SignInArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *JsonApiHandler) signIn(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs SignInArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if !emailRegex.MatchString(reqArgs.Email) {
		return nil, NewApiError("invalid_email")
	}

	ctx := c.Request.Context()
	user, err := h.userService.Authenticate(ctx, reqArgs.Email, reqArgs.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return nil, NewApiError("invalid_credentials")
		}
		if errors.Is(err, services.ErrUserSuspended) {
			return nil, NewApiError("account_suspended")
		}
		log.Printf("DB error during signIn for %s: %v", reqArgs.Email, err)
		return nil, NewApiError("Database error")
	}

	token, err := auth.GenerateJWT(user.ID, user.IsAdmin, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		log.Printf("Failed to generate JWT for user %s: %v", user.ID, err)
		return nil, NewApiError("Failed to create session token")
	}

	h.publishSessionEvent(ctx, session.Event{Type: session.EventSignIn, UserID: user.ID})

	return gin.H{
		"token":   token,
		"profile": profileViewOf(user),
	}, nil
}

func (h *JsonApiHandler) signOut(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}
	h.publishSessionEvent(c.Request.Context(), session.Event{Type: session.EventSignOut, UserID: *authInfo.UserID})
	return nil, nil
}

func (h *JsonApiHandler) refreshToken(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args // Explicitly ignore unused args
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		// This should ideally be caught by methodRequiresAuth, but defensive check.
		return nil, NewApiError("Authentication required for refreshToken")
	}
	userID := *authInfo.UserID

	// Generate a new token with the same claims but new expiration
	newToken, err := auth.GenerateJWT(userID, authInfo.IsAdmin, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		log.Printf("Failed to generate refreshed JWT for user %s: %v", userID, err)
		return nil, NewApiError("Failed to refresh session token")
	}

	log.Printf("Refreshed token for user %s", userID)
	return newToken, nil
}

func (h *JsonApiHandler) getMyProfile(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}

	user, err := h.userService.FindByID(c.Request.Context(), *authInfo.UserID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewApiError("User not found")
		}
		log.Printf("DB error fetching profile for user %s: %v", *authInfo.UserID, err)
		return nil, NewApiError("Database error")
	}

	return profileViewOf(user), nil
}

// UpdateProfileArgs defines the arguments for the updateProfile method.
type UpdateProfileArgs struct {
	Name string `json:"name"`
	City string `json:"city"`
}

func (h *JsonApiHandler) updateProfile(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}

	var reqArgs UpdateProfileArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if strings.TrimSpace(reqArgs.Name) == "" {
		return nil, NewApiError("Name cannot be empty")
	}

	ctx := c.Request.Context()
	if err := h.userService.UpdateProfile(ctx, *authInfo.UserID, reqArgs.Name, reqArgs.City); err != nil {
		log.Printf("Error updating profile for user %s: %v", *authInfo.UserID, err)
		return nil, NewApiError("Failed to update profile")
	}
	return nil, nil
}

// CreateListingArgs defines the arguments for the createListing method.
type CreateListingArgs struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	City        string `json:"city"`
	Area        string `json:"area"`
}

func (h *JsonApiHandler) createListing(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required to create listing")
	}
	userID := *authInfo.UserID

	var reqArgs CreateListingArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	ctx := c.Request.Context()
	newListing, err := h.listingService.CreateListing(ctx,
		userID,
		models.ListingType(reqArgs.Type),
		reqArgs.Title,
		reqArgs.Description,
		reqArgs.City,
		reqArgs.Area,
	)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTitleRequired):
			return nil, NewApiError("Title cannot be empty")
		case errors.Is(err, services.ErrSeekNotAllowed):
			return nil, NewApiError("energy_tier_too_low")
		case errors.Is(err, services.ErrInsufficientEnergy):
			return nil, NewApiError("insufficient_energy")
		}
		log.Printf("Error creating listing for user %s: %v", userID, err)
		return nil, NewApiError("Failed to create listing")
	}

	log.Printf("Created new listing %s for user %s", newListing.ID, userID)
	return newListing, nil
}

// UpdateListingArgs defines the arguments for the updateListing method.
// Expects the listing ID and a map of fields to update.
type UpdateListingArgs struct {
	ListingID string                 `json:"listing_id"`
	Updates   map[string]interface{} `json:"updates"`
}

func (h *JsonApiHandler) updateListing(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required to update listing")
	}
	userID := *authInfo.UserID

	var reqArgs UpdateListingArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if reqArgs.ListingID == "" {
		return nil, NewApiError("Missing listing_id")
	}
	if len(reqArgs.Updates) == 0 {
		return nil, NewApiError("No updates provided")
	}

	ctx := c.Request.Context()
	updatedListing, err := h.listingService.UpdateListing(ctx, reqArgs.ListingID, userID, reqArgs.Updates)
	if err != nil {
		log.Printf("Error updating listing %s for user %s: %v", reqArgs.ListingID, userID, err)
		if errors.Is(err, services.ErrTitleRequired) {
			return nil, NewApiError("Title cannot be empty")
		}
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "not owned") {
			return nil, NewApiError("Listing not found or access denied")
		}
		if strings.Contains(err.Error(), "cannot be updated") {
			return nil, NewApiError(err.Error())
		}
		return nil, NewApiError("Failed to update listing")
	}

	return updatedListing, nil
}

func (h *JsonApiHandler) revokeListing(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}
	userID := *authInfo.UserID

	var listingID string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &listingID); apiErr != nil {
		return nil, apiErr
	}
	if listingID == "" {
		return nil, NewApiError("Missing listing_id")
	}

	ctx := c.Request.Context()
	if err := h.listingService.RevokeListing(ctx, listingID, userID); err != nil {
		log.Printf("Error revoking listing %s for user %s: %v", listingID, userID, err)
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "does not belong") {
			return nil, NewApiError("Listing not found or access denied")
		}
		if strings.Contains(err.Error(), "already inactive") {
			return nil, NewApiError("Listing is already revoked")
		}
		return nil, NewApiError("Failed to revoke listing")
	}

	return nil, nil
}

func (h *JsonApiHandler) openConversation(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}
	userID := *authInfo.UserID

	var listingID string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &listingID); apiErr != nil {
		return nil, apiErr
	}
	if listingID == "" {
		return nil, NewApiError("Missing listing_id")
	}

	ctx := c.Request.Context()
	conv, history, err := h.chatService.OpenConversation(ctx, listingID, userID)
	if err != nil {
		if errors.Is(err, services.ErrSelfConversation) {
			return nil, NewApiError("cannot_message_own_listing")
		}
		log.Printf("Error opening conversation on listing %s for user %s: %v", listingID, userID, err)
		if strings.Contains(err.Error(), "not found") {
			return nil, NewApiError("Listing not found")
		}
		return nil, NewApiError("Failed to open conversation")
	}

	return gin.H{
		"conversation": conv,
		"messages":     history,
	}, nil
}

// SendMessageArgs defines the arguments for the sendMessage method.
type SendMessageArgs struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

func (h *JsonApiHandler) sendMessage(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}
	userID := *authInfo.UserID

	var reqArgs SendMessageArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if reqArgs.ConversationID == "" {
		return nil, NewApiError("Missing conversation_id")
	}
	if strings.TrimSpace(reqArgs.Body) == "" {
		return nil, NewApiError("Message body cannot be empty")
	}

	ctx := c.Request.Context()
	msg, err := h.chatService.SendMessage(ctx, reqArgs.ConversationID, userID, reqArgs.Body)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			return nil, NewApiError("Conversation not found")
		}
		if errors.Is(err, services.ErrNotParticipant) {
			return nil, NewApiError("Access denied")
		}
		log.Printf("Error sending message in conversation %s by user %s: %v", reqArgs.ConversationID, userID, err)
		return nil, NewApiError("Failed to send message")
	}

	h.notifyNewMessage(ctx, reqArgs.ConversationID, userID, reqArgs.Body)

	return msg, nil
}

// notifyNewMessage enqueues an email notification for the other
// participant, if they opted in. Best-effort: failures are logged only.
func (h *JsonApiHandler) notifyNewMessage(ctx context.Context, conversationID, senderID, body string) {
	conv, err := h.chatService.FindConversationByID(ctx, conversationID)
	if err != nil {
		log.Printf("WARNING: cannot resolve conversation %s for notification: %v", conversationID, err)
		return
	}

	recipientID := conv.OwnerID
	if senderID == conv.OwnerID {
		recipientID = conv.InitiatorID
	}

	recipient, err := h.userService.FindByID(ctx, recipientID)
	if err != nil {
		log.Printf("WARNING: cannot load recipient %s for notification: %v", recipientID, err)
		return
	}
	if recipient.NotificationPreferences != nil && !recipient.NotificationPreferences.NewMessage {
		return
	}

	sender, err := h.userService.FindByID(ctx, senderID)
	if err != nil {
		log.Printf("WARNING: cannot load sender %s for notification: %v", senderID, err)
		return
	}

	listingTitle := ""
	if listing, err := h.listingService.FindListingByID(ctx, conv.ListingID); err == nil {
		listingTitle = listing.Title
	}

	// Truncate on rune boundary; previews are frequently CJK text.
	preview := body
	if runes := []rune(preview); len(runes) > 140 {
		preview = string(runes[:140]) + "…"
	}

	h.enqueueEmail(ctx, recipient.Email, string(email.ActionNewMessage), map[string]interface{}{
		"name":          recipient.Name,
		"sender_name":   sender.Name,
		"listing_title": listingTitle,
		"preview":       preview,
	})
}

func (h *JsonApiHandler) getConversations(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}

	convs, err := h.chatService.ListConversations(c.Request.Context(), *authInfo.UserID)
	if err != nil {
		log.Printf("Error listing conversations for user %s: %v", *authInfo.UserID, err)
		return nil, NewApiError("Failed to load conversations")
	}
	return convs, nil
}

func (h *JsonApiHandler) getMessages(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}

	var conversationID string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &conversationID); apiErr != nil {
		return nil, apiErr
	}

	history, err := h.chatService.GetMessages(c.Request.Context(), conversationID, *authInfo.UserID)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			return nil, NewApiError("Conversation not found")
		}
		if errors.Is(err, services.ErrNotParticipant) {
			return nil, NewApiError("Access denied")
		}
		log.Printf("Error loading messages for conversation %s: %v", conversationID, err)
		return nil, NewApiError("Failed to load messages")
	}
	return history, nil
}

// GetUploadURLArgs defines the arguments for the getUploadURL method.
type GetUploadURLArgs struct {
	ListingID   string `json:"listing_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (h *JsonApiHandler) getUploadURL(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}
	userID := *authInfo.UserID

	var reqArgs GetUploadURLArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	if reqArgs.ListingID == "" || reqArgs.Filename == "" || reqArgs.ContentType == "" {
		return nil, NewApiError("Missing required arguments (listing_id, filename, content_type)")
	}
	if !strings.HasPrefix(reqArgs.ContentType, "image/") {
		return nil, NewApiError("Only image uploads are supported")
	}

	ctx := c.Request.Context()
	if apiErr := h.requireListingOwner(ctx, reqArgs.ListingID, userID); apiErr != nil {
		return nil, apiErr
	}

	presignedURL, objectKey, err := h.storageService.GeneratePresignedPutURL(ctx,
		userID,
		reqArgs.ListingID,
		reqArgs.Filename,
		reqArgs.ContentType,
	)
	if err != nil {
		log.Printf("Error generating presigned URL for user %s, listing %s: %v", userID, reqArgs.ListingID, err)
		return nil, NewApiError("Failed to generate upload URL")
	}

	// Return the URL and the generated key (client needs key for confirmPhotoUpload)
	return gin.H{
		"upload_url": presignedURL,
		"object_key": objectKey,
	}, nil
}

// ConfirmPhotoUploadArgs defines the arguments for the confirmPhotoUpload method.
type ConfirmPhotoUploadArgs struct {
	ListingID string `json:"listing_id"`
	ObjectKey string `json:"object_key"` // The key returned by getUploadURL
}

func (h *JsonApiHandler) confirmPhotoUpload(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil {
		return nil, NewApiError("Authentication required")
	}
	userID := *authInfo.UserID

	var reqArgs ConfirmPhotoUploadArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	if reqArgs.ListingID == "" || reqArgs.ObjectKey == "" {
		return nil, NewApiError("Missing required arguments (listing_id, object_key)")
	}

	ctx := c.Request.Context()
	if apiErr := h.requireListingOwner(ctx, reqArgs.ListingID, userID); apiErr != nil {
		return nil, apiErr
	}

	// The key embeds the uploader's user ID; reject keys minted for others.
	if !strings.HasPrefix(reqArgs.ObjectKey, fmt.Sprintf("uploads/%s/%s/", userID, reqArgs.ListingID)) {
		return nil, NewApiError("object_key does not match listing")
	}

	payloadBytes, _ := json.Marshal(tasks.PhotoTaskPayload{
		S3Key:     reqArgs.ObjectKey,
		ListingID: reqArgs.ListingID,
	})
	task := asynq.NewTask(tasks.TypePhotoProcess, payloadBytes, asynq.Queue("photos")) // Use dedicated queue

	taskInfo, err := h.taskClient.EnqueueContext(ctx, task)
	if err != nil {
		log.Printf("ERROR enqueuing photo processing task for key %s, listing %s: %v", reqArgs.ObjectKey, reqArgs.ListingID, err)
		return nil, NewApiError("Failed to schedule photo processing")
	}

	log.Printf("Enqueued photo processing task ID %s for key %s, listing %s", taskInfo.ID, reqArgs.ObjectKey, reqArgs.ListingID)

	// Processing happens in the background
	return gin.H{
		"message": "Photo upload confirmed, processing scheduled.",
		"task_id": taskInfo.ID,
	}, nil
}

// requireListingOwner verifies that userID owns the listing.
func (h *JsonApiHandler) requireListingOwner(ctx context.Context, listingID, userID string) *ApiError {
	listing, err := h.listingService.FindListingByID(ctx, listingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return NewApiError("Listing not found")
		}
		log.Printf("DB error checking listing %s ownership: %v", listingID, err)
		return NewApiError("Database error")
	}
	if listing.UserID != userID {
		return NewApiError("Listing not found or access denied")
	}
	return nil
}

func (h *JsonApiHandler) suspendUser(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil || !authInfo.IsAdmin {
		return nil, NewApiError("Administrator privileges required")
	}
	adminUserID := *authInfo.UserID

	var userIDToSuspend string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &userIDToSuspend); apiErr != nil {
		return nil, apiErr
	}
	if userIDToSuspend == "" {
		return nil, NewApiError("Missing user_id")
	}

	ctx := c.Request.Context()
	if err := h.userService.SuspendUser(ctx, userIDToSuspend, adminUserID); err != nil {
		log.Printf("Error suspending user %s by admin %s: %v", userIDToSuspend, adminUserID, err)
		if strings.Contains(err.Error(), "not found") {
			return nil, NewApiError("User not found")
		}
		if strings.Contains(err.Error(), "cannot suspend themselves") {
			return nil, NewApiError(err.Error())
		}
		return nil, NewApiError("Failed to suspend user")
	}

	// Kill outstanding sessions right away.
	if h.sessionBroker != nil {
		if err := h.sessionBroker.Revoke(ctx, userIDToSuspend); err != nil {
			log.Printf("WARNING: failed to revoke sessions for suspended user %s: %v", userIDToSuspend, err)
		}
	}

	if target, err := h.userService.FindByID(ctx, userIDToSuspend); err == nil {
		if target.NotificationPreferences == nil || target.NotificationPreferences.UserSuspension {
			h.enqueueEmail(ctx, target.Email, string(email.ActionSuspension), map[string]interface{}{
				"name": target.Name,
			})
		}
	}

	return nil, nil // Success
}

func (h *JsonApiHandler) unSuspendUser(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || !authInfo.IsAdmin {
		return nil, NewApiError("Administrator privileges required")
	}

	var userIDToUnsuspend string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &userIDToUnsuspend); apiErr != nil {
		return nil, apiErr
	}
	if userIDToUnsuspend == "" {
		return nil, NewApiError("Missing user_id")
	}

	ctx := c.Request.Context()
	if err := h.userService.UnsuspendUser(ctx, userIDToUnsuspend); err != nil {
		log.Printf("Error unsuspending user %s: %v", userIDToUnsuspend, err)
		if strings.Contains(err.Error(), "not found") {
			return nil, NewApiError("User not found")
		}
		return nil, NewApiError("Failed to unsuspend user")
	}

	if h.sessionBroker != nil {
		if err := h.sessionBroker.Restore(ctx, userIDToUnsuspend); err != nil {
			log.Printf("WARNING: failed to restore sessions for user %s: %v", userIDToUnsuspend, err)
		}
	}

	if target, err := h.userService.FindByID(ctx, userIDToUnsuspend); err == nil {
		if target.NotificationPreferences == nil || target.NotificationPreferences.UserSuspension {
			h.enqueueEmail(ctx, target.Email, string(email.ActionUnsuspension), map[string]interface{}{
				"name": target.Name,
			})
		}
	}

	return nil, nil // Success
}

// enqueueEmail schedules an email delivery task. Best-effort.
func (h *JsonApiHandler) enqueueEmail(ctx context.Context, to, templateID string, data map[string]interface{}) {
	payloadBytes, _ := json.Marshal(tasks.EmailTaskPayload{
		To:         to,
		TemplateID: templateID,
		Data:       data,
	})
	task := asynq.NewTask(tasks.TypeEmailDelivery, payloadBytes)
	if _, enqueueErr := h.taskClient.EnqueueContext(ctx, task); enqueueErr != nil {
		log.Printf("ERROR enqueuing %s email task for %s: %v", templateID, to, enqueueErr)
	}
}

// sessionRevoked consults the broker's revocation set. Fails open on
// Redis trouble: the token itself still verifies.
func (h *JsonApiHandler) sessionRevoked(ctx context.Context, userID string) bool {
	if h.sessionBroker == nil {
		return false
	}
	revoked, err := h.sessionBroker.IsRevoked(ctx, userID)
	if err != nil {
		log.Printf("WARNING: revocation check failed for user %s: %v", userID, err)
		return false
	}
	return revoked
}

// publishSessionEvent broadcasts a session change. Best-effort.
func (h *JsonApiHandler) publishSessionEvent(ctx context.Context, event session.Event) {
	if h.sessionBroker == nil {
		return
	}
	if err := h.sessionBroker.Publish(ctx, event); err != nil {
		log.Printf("WARNING: failed to publish session event %s for user %s: %v", event.Type, event.UserID, err)
	}
}
