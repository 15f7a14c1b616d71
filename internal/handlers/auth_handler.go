package handlers

import (
	"errors"
	"net/http"
	"strings"

	"research-notes-api/internal/auth"
	"research-notes-api/internal/database"
	"research-notes-api/internal/middleware"
	"research-notes-api/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Email    string `json:"email" binding:"omitempty,email"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Message  string `json:"message"`
}

// Login signs in a user, creating the account on first login
// POST /api/login
func Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request. Username and password are required.",
		})
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	db := database.GetDB().WithContext(c.Request.Context())
	var user models.User
	err := db.Where("username = ?", req.Username).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}
		user = models.User{ID: uuid.NewString(), Username: req.Username, Email: req.Email, Password: hash}
		if err := db.Create(&user).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
			return
		}
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	default:
		if err := auth.CheckPassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		if req.Email != "" && req.Email != user.Email {
			user.Email = req.Email
			if err := db.Model(&user).Update("email", req.Email).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
				return
			}
		}
	}

	token, err := auth.GenerateToken(user.ID, user.Username, user.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Message:  "Login successful",
	})
}

// Me returns the verified user behind the bearer token (protected)
// GET /api/me
func Me(c *gin.Context) {
	c.JSON(http.StatusOK, auth.UserRecord{
		UserID:   c.GetString(middleware.CtxUserID),
		Username: c.GetString(middleware.CtxUsername),
		Email:    c.GetString(middleware.CtxEmail),
	})
}
