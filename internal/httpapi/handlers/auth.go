package handlers

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/auth"
	"github.com/mistralthing/server/internal/email"
	"github.com/mistralthing/server/internal/models"
)

const (
	loginCodeTTL = 10 * time.Minute
	tokenTTL     = 24 * time.Hour
)

// generate an 11 char random username
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

func randomDigits6() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (h *Handler) allocateUsername() (string, error) {
	for i := 0; i < 5; i++ {
		u, err := randomUsername11()
		if err != nil {
			return "", err
		}
		var cnt int64
		if err := h.DB.Model(&models.User{}).Where("username = ?", u).Count(&cnt).Error; err != nil {
			return "", err
		}
		if cnt == 0 {
			return u, nil
		}
	}
	return "", fmt.Errorf("failed to allocate username")
}

type createUserReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	username, err := h.allocateUsername()
	if err != nil {
		fail(c, http.StatusInternalServerError, 20004, "failed to allocate username")
		return
	}

	user := models.User{
		Email:        req.Email,
		Username:     username,
		PasswordHash: hash,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	// send welcome email
	go func(to, uname string) {
		subject := "Welcome to Mistral Thing — Your account is ready"
		body := "Hello,\n\n" +
			"Welcome to Mistral Thing. Your account has been successfully created.\n\n" +
			"Username: " + uname + "\n\n" +
			"If you did not request this account, please contact our support immediately.\n\n" +
			"Best regards,\n" +
			"Mistral Thing\n"
		_ = email.SendText(h.SMTPSetting, to, subject, body)
	}(user.Email, user.Username)

	ok(c, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
		"token":    token,
	})
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var user models.User
	if err := h.DB.Where("email = ?", req.Email).First(&user).Error; err != nil {
		fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
		return
	}
	if user.PasswordHash == "" || !auth.CheckPassword(user.PasswordHash, req.Password) {
		fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	ok(c, gin.H{"token": token})
}

type loginCodeReq struct {
	Email string `json:"email" binding:"required"`
}

// SendLoginCode emails a short-lived code for the magic-link login.
// Responds ok regardless of whether the email is registered, so the
// endpoint cannot be used to probe accounts.
func (h *Handler) SendLoginCode(c *gin.Context) {
	var req loginCodeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	code, err := randomDigits6()
	if err != nil {
		fail(c, http.StatusInternalServerError, 20007, "failed to generate code")
		return
	}
	if err := h.Redis.SetLoginCode(c.Request.Context(), req.Email, code, loginCodeTTL); err != nil {
		fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}

	go func(to, code string) {
		subject := "Your Mistral Thing sign-in code"
		html := "<p>Your sign-in code is:</p><h2>" + code + "</h2>" +
			"<p>It expires in 10 minutes. If you did not request it you can ignore this email.</p>"
		_ = email.SendHTML(h.SMTPSetting, to, subject, html)
	}(req.Email, code)

	ok(c, gin.H{"sent": true})
}

type verifyCodeReq struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// VerifyLoginCode exchanges a valid code for a JWT, creating the account
// on first login.
func (h *Handler) VerifyLoginCode(c *gin.Context) {
	var req verifyCodeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	code, err := h.Redis.GetLoginCode(c.Request.Context(), req.Email)
	if err != nil {
		if err == redis.Nil {
			fail(c, http.StatusBadRequest, 10020, "code expired or not found")
			return
		}
		fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}
	if code != req.Code {
		fail(c, http.StatusBadRequest, 10021, "invalid code")
		return
	}
	_ = h.Redis.DeleteLoginCode(c.Request.Context(), req.Email)

	var user models.User
	err = h.DB.Where("email = ?", req.Email).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		username, uerr := h.allocateUsername()
		if uerr != nil {
			fail(c, http.StatusInternalServerError, 20004, "failed to allocate username")
			return
		}
		user = models.User{Email: req.Email, Username: username}
		if cerr := h.DB.Create(&user).Error; cerr != nil {
			fail(c, http.StatusInternalServerError, 20005, "failed to create user")
			return
		}
	} else if err != nil {
		fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	ok(c, gin.H{"token": token})
}

func (h *Handler) Me(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var user models.User
	if err := h.DB.First(&user, uid).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	ok(c, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}
