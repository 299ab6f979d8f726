package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hhc777/youlin/internal/reputation"
	"github.com/hhc777/youlin/internal/services"
)

// RestUserHandler handles REST requests related to users.
type RestUserHandler struct {
	userService services.IUserService
}

// NewRestUserHandler creates a new RestUserHandler.
func NewRestUserHandler(userService services.IUserService) *RestUserHandler {
	return &RestUserHandler{
		userService: userService,
	}
}

// PublicUser represents the data returned for a user profile.
// Email and energy balance stay private; only the tier is shown.
type PublicUser struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	City       string          `json:"city,omitempty"`
	DateJoined string          `json:"date_joined"`
	Tier       reputation.Tier `json:"tier"`
}

// GetUserByID handles GET /v1/user/:id
func (h *RestUserHandler) GetUserByID(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}

	user, err := h.userService.FindByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve user"})
		}
		return
	}
	if user.Suspended {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	publicUser := PublicUser{
		ID:         user.ID,
		Name:       user.Name,
		City:       user.City,
		DateJoined: user.CreatedAt.Format("2006-01-02"),
		Tier:       reputation.TierFor(user.Energy),
	}

	c.JSON(http.StatusOK, publicUser)
}
