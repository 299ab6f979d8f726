package handlers_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/hhc777/youlin/internal/api/handlers"
	"github.com/hhc777/youlin/internal/auth"
	"github.com/hhc777/youlin/internal/config"
	"github.com/hhc777/youlin/internal/models"
	"github.com/hhc777/youlin/internal/services"
	"github.com/hhc777/youlin/internal/tasks"
)

// --- Test Setup ---

type handlerMocks struct {
	userSvc    *MockUserService
	listingSvc *MockListingService
	chatSvc    *MockChatService
	storageSvc *MockS3Storage
	taskClient *MockAsynqClient
	broker     *MockSessionBroker
}

func setupTestRouter(t *testing.T) (*gin.Engine, *config.Config, *handlerMocks) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		JwtSecret: "testsecret",
		JwtTTL:    time.Hour,
		AppName:   "TestApp",
	}
	m := &handlerMocks{
		userSvc:    new(MockUserService),
		listingSvc: new(MockListingService),
		chatSvc:    new(MockChatService),
		storageSvc: new(MockS3Storage),
		taskClient: new(MockAsynqClient),
		broker:     new(MockSessionBroker),
	}
	// Sessions are live unless a test revokes them explicitly.
	m.broker.On("IsRevoked", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	handler := handlers.NewJsonApiHandler(cfg, nil, nil, m.taskClient, m.userSvc, m.listingSvc, m.chatSvc, m.storageSvc, m.broker)
	r := gin.New()
	r.POST("/v1/api", handler.HandleRequest)
	return r, cfg, m
}

func callAPI(t *testing.T, router *gin.Engine, method string, argsJSON string, token string) handlers.JsonApiResponse {
	t.Helper()
	reqBody := handlers.JsonApiRequest{Method: method}
	if argsJSON != "" {
		reqBody.Arguments = json.RawMessage(argsJSON)
	}
	jsonBody, _ := json.Marshal(reqBody)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/api", bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp handlers.JsonApiResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	return resp
}

func tokenFor(t *testing.T, cfg *config.Config, userID string, isAdmin bool) string {
	t.Helper()
	token, err := auth.GenerateJWT(userID, isAdmin, cfg.JwtSecret, cfg.JwtTTL)
	assert.NoError(t, err)
	return token
}

// --- Tests ---

func TestJsonApiHandler_Ping(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	resp := callAPI(t, router, "ping", "", "")
	assert.True(t, resp.Success)
	assert.Equal(t, "pong", resp.Data)
	assert.Empty(t, resp.Error)
}

func TestJsonApiHandler_UnknownMethod(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	resp := callAPI(t, router, "teleport", "", "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Unknown method")
}

func TestJsonApiHandler_SignUp_Success(t *testing.T) {
	router, _, m := setupTestRouter(t)
	newEmail := "alice@example.com"
	newUser := &models.User{
		Base:   models.Base{ID: "user-alice"},
		Name:   "Alice",
		Email:  newEmail,
		Energy: 10,
	}
	m.userSvc.On("Register", mock.Anything, "Alice", newEmail, "hunter2hunter2").Return(newUser, nil)
	m.taskClient.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		if task.Type() != tasks.TypeEmailDelivery {
			return false
		}
		var p tasks.EmailTaskPayload
		e := json.Unmarshal(task.Payload(), &p)
		return e == nil && p.To == newEmail && p.TemplateID == "welcome"
	}), mock.Anything).Return(&asynq.TaskInfo{}, nil)
	m.broker.On("Publish", mock.Anything, mock.Anything).Return(nil)

	argsJSON := fmt.Sprintf(`[{"name":"Alice","email":"%s","password":"hunter2hunter2"}]`, newEmail)
	resp := callAPI(t, router, "signUp", argsJSON, "")
	assert.True(t, resp.Success, "Success should be true, error: %s", resp.Error)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["token"])
	profile := data["profile"].(map[string]interface{})
	assert.Equal(t, "user-alice", profile["id"])
	assert.Equal(t, float64(10), profile["energy"])
	m.userSvc.AssertExpectations(t)
	m.taskClient.AssertExpectations(t)
}

func TestJsonApiHandler_SignUp_DuplicateEmail(t *testing.T) {
	router, _, m := setupTestRouter(t)
	m.userSvc.On("Register", mock.Anything, "Bob", "bob@example.com", "hunter2hunter2").Return(nil, services.ErrEmailExists)

	resp := callAPI(t, router, "signUp", `[{"name":"Bob","email":"bob@example.com","password":"hunter2hunter2"}]`, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "email_exists", resp.Error)
	m.taskClient.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
}

func TestJsonApiHandler_SignUp_Validation(t *testing.T) {
	router, _, m := setupTestRouter(t)

	resp := callAPI(t, router, "signUp", `[{"name":"Eve","email":"not-an-email","password":"hunter2hunter2"}]`, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid_email", resp.Error)

	resp = callAPI(t, router, "signUp", `[{"name":"Eve","email":"eve@example.com","password":"short"}]`, "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "at least 8 characters")

	m.userSvc.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJsonApiHandler_SignIn_Success(t *testing.T) {
	router, _, m := setupTestRouter(t)
	user := &models.User{
		Base:   models.Base{ID: "user-1"},
		Name:   "Alice",
		Email:  "alice@example.com",
		Energy: 35,
	}
	m.userSvc.On("Authenticate", mock.Anything, "alice@example.com", "hunter2hunter2").Return(user, nil)
	m.broker.On("Publish", mock.Anything, mock.Anything).Return(nil)

	resp := callAPI(t, router, "signIn", `[{"email":"alice@example.com","password":"hunter2hunter2"}]`, "")
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["token"])
	profile := data["profile"].(map[string]interface{})
	tier := profile["tier"].(map[string]interface{})
	assert.Equal(t, "Helper", tier["title"])
	assert.Equal(t, true, tier["can_seek"])
	m.userSvc.AssertExpectations(t)
}

func TestJsonApiHandler_SignIn_InvalidCredentials(t *testing.T) {
	router, _, m := setupTestRouter(t)
	m.userSvc.On("Authenticate", mock.Anything, "alice@example.com", "wrong-password").Return(nil, services.ErrInvalidCredentials)

	resp := callAPI(t, router, "signIn", `[{"email":"alice@example.com","password":"wrong-password"}]`, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid_credentials", resp.Error)
}

func TestJsonApiHandler_SignIn_Suspended(t *testing.T) {
	router, _, m := setupTestRouter(t)
	m.userSvc.On("Authenticate", mock.Anything, "mallory@example.com", "hunter2hunter2").Return(nil, services.ErrUserSuspended)

	resp := callAPI(t, router, "signIn", `[{"email":"mallory@example.com","password":"hunter2hunter2"}]`, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "account_suspended", resp.Error)
}

func TestJsonApiHandler_GetMyProfile_RequiresAuth(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	resp := callAPI(t, router, "getMyProfile", "", "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Authorization header required")
}

func TestJsonApiHandler_GetMyProfile(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	user := &models.User{
		Base:   models.Base{ID: "user-1"},
		Name:   "Alice",
		Email:  "alice@example.com",
		City:   "Hangzhou",
		Energy: 1,
	}
	m.userSvc.On("FindByID", mock.Anything, "user-1").Return(user, nil)

	resp := callAPI(t, router, "getMyProfile", "", tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success)
	profile := resp.Data.(map[string]interface{})
	assert.Equal(t, "Hangzhou", profile["city"])
	tier := profile["tier"].(map[string]interface{})
	assert.Equal(t, false, tier["can_seek"])
}

func TestJsonApiHandler_CreateListing(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	created := &models.Listing{
		ID:     "listing-1",
		UserID: "user-1",
		Type:   models.ListingTypeOffer,
		Title:  "Spare ladder",
		City:   "Hangzhou",
	}
	m.listingSvc.On("CreateListing", mock.Anything, "user-1", models.ListingTypeOffer,
		"Spare ladder", "Three metres, aluminium", "Hangzhou", "West Lake").Return(created, nil)

	argsJSON := `[{"type":"offer","title":"Spare ladder","description":"Three metres, aluminium","city":"Hangzhou","area":"West Lake"}]`
	resp := callAPI(t, router, "createListing", argsJSON, tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success, "error: %s", resp.Error)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "listing-1", data["id"])
	m.listingSvc.AssertExpectations(t)
}

func TestJsonApiHandler_CreateListing_SeekGate(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	m.listingSvc.On("CreateListing", mock.Anything, "user-1", models.ListingTypeSeek,
		"Need a drill", "", "Hangzhou", "").Return(nil, services.ErrSeekNotAllowed).Once()
	m.listingSvc.On("CreateListing", mock.Anything, "user-1", models.ListingTypeSeek,
		"Need a drill", "", "Hangzhou", "").Return(nil, services.ErrInsufficientEnergy).Once()

	token := tokenFor(t, cfg, "user-1", false)
	argsJSON := `[{"type":"seek","title":"Need a drill","city":"Hangzhou"}]`

	resp := callAPI(t, router, "createListing", argsJSON, token)
	assert.False(t, resp.Success)
	assert.Equal(t, "energy_tier_too_low", resp.Error)

	resp = callAPI(t, router, "createListing", argsJSON, token)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_energy", resp.Error)
}

func TestJsonApiHandler_SendMessage_NotifiesRecipient(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	conv := &models.Conversation{
		ID:          "conv-1",
		ListingID:   "listing-1",
		OwnerID:     "owner-1",
		InitiatorID: "user-1",
	}
	sent := &models.Message{ID: "msg-1", ConversationID: "conv-1", SenderID: "user-1", ReceiverID: "owner-1", Body: "Is the ladder still available?"}
	owner := &models.User{
		Base: models.Base{ID: "owner-1"}, Name: "Olga", Email: "olga@example.com",
		NotificationPreferences: &models.NotificationPreferences{NewMessage: true},
	}
	sender := &models.User{Base: models.Base{ID: "user-1"}, Name: "Alice", Email: "alice@example.com"}

	m.chatSvc.On("SendMessage", mock.Anything, "conv-1", "user-1", "Is the ladder still available?").Return(sent, nil)
	m.chatSvc.On("FindConversationByID", mock.Anything, "conv-1").Return(conv, nil)
	m.userSvc.On("FindByID", mock.Anything, "owner-1").Return(owner, nil)
	m.userSvc.On("FindByID", mock.Anything, "user-1").Return(sender, nil)
	m.listingSvc.On("FindListingByID", mock.Anything, "listing-1").Return(&models.Listing{ID: "listing-1", Title: "Spare ladder"}, nil)
	m.taskClient.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p tasks.EmailTaskPayload
		e := json.Unmarshal(task.Payload(), &p)
		return e == nil && task.Type() == tasks.TypeEmailDelivery &&
			p.To == "olga@example.com" && p.TemplateID == "new_message" &&
			p.Data["listing_title"] == "Spare ladder"
	}), mock.Anything).Return(&asynq.TaskInfo{}, nil)

	argsJSON := `[{"conversation_id":"conv-1","body":"Is the ladder still available?"}]`
	resp := callAPI(t, router, "sendMessage", argsJSON, tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success, "error: %s", resp.Error)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "msg-1", data["id"])
	m.taskClient.AssertExpectations(t)
}

func TestJsonApiHandler_SendMessage_RespectsOptOut(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	conv := &models.Conversation{ID: "conv-1", ListingID: "listing-1", OwnerID: "owner-1", InitiatorID: "user-1"}
	sent := &models.Message{ID: "msg-1", ConversationID: "conv-1", SenderID: "user-1", ReceiverID: "owner-1", Body: "hello"}
	owner := &models.User{
		Base: models.Base{ID: "owner-1"}, Email: "olga@example.com",
		NotificationPreferences: &models.NotificationPreferences{NewMessage: false},
	}

	m.chatSvc.On("SendMessage", mock.Anything, "conv-1", "user-1", "hello").Return(sent, nil)
	m.chatSvc.On("FindConversationByID", mock.Anything, "conv-1").Return(conv, nil)
	m.userSvc.On("FindByID", mock.Anything, "owner-1").Return(owner, nil)

	resp := callAPI(t, router, "sendMessage", `[{"conversation_id":"conv-1","body":"hello"}]`, tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success)
	m.taskClient.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
}

func TestJsonApiHandler_OpenConversation_SelfChat(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	m.chatSvc.On("OpenConversation", mock.Anything, "listing-1", "owner-1").Return(nil, nil, services.ErrSelfConversation)

	resp := callAPI(t, router, "openConversation", `["listing-1"]`, tokenFor(t, cfg, "owner-1", false))
	assert.False(t, resp.Success)
	assert.Equal(t, "cannot_message_own_listing", resp.Error)
}

func TestJsonApiHandler_ConfirmPhotoUpload(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	listing := &models.Listing{ID: "listing-1", UserID: "user-1"}
	m.listingSvc.On("FindListingByID", mock.Anything, "listing-1").Return(listing, nil)
	m.taskClient.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p tasks.PhotoTaskPayload
		e := json.Unmarshal(task.Payload(), &p)
		return e == nil && task.Type() == tasks.TypePhotoProcess &&
			p.ListingID == "listing-1" && p.S3Key == "uploads/user-1/listing-1/abc_photo.jpg"
	}), mock.Anything).Return(&asynq.TaskInfo{ID: "task-1"}, nil)

	argsJSON := `[{"listing_id":"listing-1","object_key":"uploads/user-1/listing-1/abc_photo.jpg"}]`
	resp := callAPI(t, router, "confirmPhotoUpload", argsJSON, tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success, "error: %s", resp.Error)
	m.taskClient.AssertExpectations(t)
}

func TestJsonApiHandler_ConfirmPhotoUpload_ForeignKeyRejected(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	listing := &models.Listing{ID: "listing-1", UserID: "user-1"}
	m.listingSvc.On("FindListingByID", mock.Anything, "listing-1").Return(listing, nil)

	argsJSON := `[{"listing_id":"listing-1","object_key":"uploads/someone-else/listing-1/abc_photo.jpg"}]`
	resp := callAPI(t, router, "confirmPhotoUpload", argsJSON, tokenFor(t, cfg, "user-1", false))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "does not match")
	m.taskClient.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
}

func TestJsonApiHandler_GetUploadURL_OwnerOnly(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	listing := &models.Listing{ID: "listing-1", UserID: "owner-1"}
	m.listingSvc.On("FindListingByID", mock.Anything, "listing-1").Return(listing, nil)

	argsJSON := `[{"listing_id":"listing-1","filename":"photo.jpg","content_type":"image/jpeg"}]`
	resp := callAPI(t, router, "getUploadURL", argsJSON, tokenFor(t, cfg, "intruder-1", false))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "access denied")
	m.storageSvc.AssertNotCalled(t, "GeneratePresignedPutURL", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJsonApiHandler_SuspendUser_AdminOnly(t *testing.T) {
	router, cfg, m := setupTestRouter(t)

	resp := callAPI(t, router, "suspendUser", `["user-2"]`, tokenFor(t, cfg, "user-1", false))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Administrator privileges required")
	m.userSvc.AssertNotCalled(t, "SuspendUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestJsonApiHandler_SuspendUser_RevokesSessions(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	target := &models.User{
		Base: models.Base{ID: "user-2"}, Name: "Bob", Email: "bob@example.com",
		NotificationPreferences: &models.NotificationPreferences{UserSuspension: true},
	}
	m.userSvc.On("SuspendUser", mock.Anything, "user-2", "admin-1").Return(nil)
	m.userSvc.On("FindByID", mock.Anything, "user-2").Return(target, nil)
	m.broker.On("Revoke", mock.Anything, "user-2").Return(nil)
	m.taskClient.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p tasks.EmailTaskPayload
		e := json.Unmarshal(task.Payload(), &p)
		return e == nil && p.To == "bob@example.com" && p.TemplateID == "account_suspended"
	}), mock.Anything).Return(&asynq.TaskInfo{}, nil)

	resp := callAPI(t, router, "suspendUser", `["user-2"]`, tokenFor(t, cfg, "admin-1", true))
	assert.True(t, resp.Success, "error: %s", resp.Error)
	m.userSvc.AssertExpectations(t)
	m.broker.AssertExpectations(t)
	m.taskClient.AssertExpectations(t)
}

func TestJsonApiHandler_UnSuspendUser_RestoresSessions(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	target := &models.User{Base: models.Base{ID: "user-2"}, Name: "Bob", Email: "bob@example.com"}
	m.userSvc.On("UnsuspendUser", mock.Anything, "user-2").Return(nil)
	m.userSvc.On("FindByID", mock.Anything, "user-2").Return(target, nil)
	m.broker.On("Restore", mock.Anything, "user-2").Return(nil)
	m.taskClient.On("EnqueueContext", mock.Anything, mock.Anything, mock.Anything).Return(&asynq.TaskInfo{}, nil)

	resp := callAPI(t, router, "unSuspendUser", `["user-2"]`, tokenFor(t, cfg, "admin-1", true))
	assert.True(t, resp.Success, "error: %s", resp.Error)
	m.broker.AssertExpectations(t)
}

// revokedSessionRouter builds a router whose broker answers IsRevoked
// with the given result for every user.
func revokedSessionRouter(t *testing.T, revoked bool, revokeErr error) (*gin.Engine, *config.Config, *handlerMocks) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{JwtSecret: "testsecret", JwtTTL: time.Hour}
	m := &handlerMocks{
		userSvc:    new(MockUserService),
		listingSvc: new(MockListingService),
		chatSvc:    new(MockChatService),
		storageSvc: new(MockS3Storage),
		taskClient: new(MockAsynqClient),
		broker:     new(MockSessionBroker),
	}
	m.broker.On("IsRevoked", mock.Anything, mock.Anything).Return(revoked, revokeErr)
	handler := handlers.NewJsonApiHandler(cfg, nil, nil, m.taskClient, m.userSvc, m.listingSvc, m.chatSvc, m.storageSvc, m.broker)
	r := gin.New()
	r.POST("/v1/api", handler.HandleRequest)
	return r, cfg, m
}

func TestJsonApiHandler_RevokedSessionRejected(t *testing.T) {
	router, cfg, m := revokedSessionRouter(t, true, nil)

	// A still-valid JWT does not survive revocation
	resp := callAPI(t, router, "getMyProfile", "", tokenFor(t, cfg, "user-1", false))
	assert.False(t, resp.Success)
	assert.Equal(t, "session_revoked", resp.Error)
	m.userSvc.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)

	// Public methods still work, but the revoked token degrades to guest
	resp = callAPI(t, router, "ping", "", tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success)
}

func TestJsonApiHandler_RevocationCheckFailsOpen(t *testing.T) {
	router, cfg, m := revokedSessionRouter(t, false, errors.New("redis unavailable"))
	user := &models.User{Base: models.Base{ID: "user-1"}, Name: "Alice", Email: "alice@example.com", Energy: 10}
	m.userSvc.On("FindByID", mock.Anything, "user-1").Return(user, nil)

	resp := callAPI(t, router, "getMyProfile", "", tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success, "error: %s", resp.Error)
}

func TestJsonApiHandler_SendMessage_PreviewKeepsRuneBoundaries(t *testing.T) {
	router, cfg, m := setupTestRouter(t)
	conv := &models.Conversation{ID: "conv-1", ListingID: "listing-1", OwnerID: "owner-1", InitiatorID: "user-1"}
	body := strings.Repeat("上海市好物共享", 30)
	sent := &models.Message{ID: "msg-1", ConversationID: "conv-1", SenderID: "user-1", ReceiverID: "owner-1", Body: body}
	owner := &models.User{
		Base: models.Base{ID: "owner-1"}, Name: "Olga", Email: "olga@example.com",
		NotificationPreferences: &models.NotificationPreferences{NewMessage: true},
	}
	sender := &models.User{Base: models.Base{ID: "user-1"}, Name: "Alice", Email: "alice@example.com"}

	m.chatSvc.On("SendMessage", mock.Anything, "conv-1", "user-1", body).Return(sent, nil)
	m.chatSvc.On("FindConversationByID", mock.Anything, "conv-1").Return(conv, nil)
	m.userSvc.On("FindByID", mock.Anything, "owner-1").Return(owner, nil)
	m.userSvc.On("FindByID", mock.Anything, "user-1").Return(sender, nil)
	m.listingSvc.On("FindListingByID", mock.Anything, "listing-1").Return(&models.Listing{ID: "listing-1", Title: "好物"}, nil)
	m.taskClient.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		var p tasks.EmailTaskPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return false
		}
		preview, _ := p.Data["preview"].(string)
		return utf8.ValidString(preview) &&
			utf8.RuneCountInString(preview) == 141 &&
			strings.HasSuffix(preview, "…") &&
			strings.HasPrefix(body, strings.TrimSuffix(preview, "…"))
	}), mock.Anything).Return(&asynq.TaskInfo{}, nil)

	argsJSON, err := json.Marshal([]interface{}{map[string]string{"conversation_id": "conv-1", "body": body}})
	assert.NoError(t, err)
	resp := callAPI(t, router, "sendMessage", string(argsJSON), tokenFor(t, cfg, "user-1", false))
	assert.True(t, resp.Success, "error: %s", resp.Error)
	m.taskClient.AssertExpectations(t)
}

func TestJsonApiHandler_ArgumentsParsing(t *testing.T) {
	router, cfg, _ := setupTestRouter(t)
	token := tokenFor(t, cfg, "user-1", false)

	resp := callAPI(t, router, "revokeListing", "", token)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Missing 'arguments'")

	resp = callAPI(t, router, "revokeListing", `{"listing_id":"x"}`, token)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "expected a JSON array")

	resp = callAPI(t, router, "revokeListing", `[]`, token)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "array is empty")
}
