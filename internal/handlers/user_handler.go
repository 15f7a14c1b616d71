package handlers

import (
	"net/http"

	"research-notes-api/internal/database"
	"research-notes-api/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// GetAllUsers lists the accounts that may open authenticated sockets (protected)
// GET /api/users
func GetAllUsers(c *gin.Context) {
	var users []models.User
	if err := database.GetDB().WithContext(c.Request.Context()).Order("username").Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}

	resp := lo.Map(users, func(u models.User, _ int) UserResponse {
		return UserResponse{ID: u.ID, Username: u.Username, Email: u.Email}
	})
	c.JSON(http.StatusOK, gin.H{
		"users": resp,
		"count": len(resp),
	})
}
