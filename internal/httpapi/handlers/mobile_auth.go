package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/auth"
	"github.com/smartkrishi/smartkrishi-backend/internal/common"
	"github.com/smartkrishi/smartkrishi-backend/internal/identity"
	"github.com/smartkrishi/smartkrishi-backend/internal/models"
	"github.com/smartkrishi/smartkrishi-backend/internal/sms"
	"github.com/smartkrishi/smartkrishi-backend/internal/store/redisstore"
)

type otpRequestReq struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// RequestOTP issues a login code to the phone number over SMS.
func (h *Handler) RequestOTP(c *gin.Context) {
	var req otpRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "phone_number required")
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)

	code, err := h.OTP.Issue(c.Request.Context(), phone)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to issue code")
		return
	}

	if _, err := h.SMS.SendSMS(c.Request.Context(), phone, "Your SmartKrishi login code is "+code); err != nil {
		if errors.Is(err, sms.ErrDisabled) {
			common.Fail(c, http.StatusServiceUnavailable, 50301, "sms channel not available")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50302, "failed to send code")
		return
	}

	common.OK(c, gin.H{"sent": true})
}

type otpVerifyReq struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Code        string `json:"code" binding:"required"`
}

// VerifyOTP checks the code and logs the user in, creating the account
// on first login.
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req otpVerifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "phone_number and code required")
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)

	valid, err := h.OTP.Verify(c.Request.Context(), phone, req.Code)
	if err != nil && !errors.Is(err, redisstore.ErrOTPNotFound) {
		common.Fail(c, http.StatusInternalServerError, 20001, "verification failed")
		return
	}
	if !valid {
		common.Fail(c, http.StatusUnauthorized, 40104, "invalid or expired code")
		return
	}

	user, err := h.findOrCreatePhoneUser(c, phone, "mobile")
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.SignJWT(user.ID, user.AuthProvider, h.Cfg.JWTSecret, h.Cfg.JWTExpiry)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"id":           user.ID,
		"phone_number": user.PhoneNumber,
		"token":        token,
	})
}

type identityLoginReq struct {
	IDToken string `json:"id_token" binding:"required"`
}

// IdentityLogin exchanges a phone-auth provider token for a local JWT.
func (h *Handler) IdentityLogin(c *gin.Context) {
	var req identityLoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "id_token required")
		return
	}

	info, err := h.Identity.VerifyIDToken(c.Request.Context(), req.IDToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrDisabled):
			common.Fail(c, http.StatusServiceUnavailable, 50303, "identity login not available")
		case errors.Is(err, identity.ErrInvalidToken):
			common.Fail(c, http.StatusUnauthorized, 40105, "invalid identity token")
		default:
			common.Fail(c, http.StatusBadGateway, 50304, "identity verification failed")
		}
		return
	}
	if info.PhoneNumber == "" {
		common.Fail(c, http.StatusUnauthorized, 40106, "token has no phone number")
		return
	}

	user, err := h.findOrCreatePhoneUser(c, info.PhoneNumber, "identity")
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.SignJWT(user.ID, user.AuthProvider, h.Cfg.JWTSecret, h.Cfg.JWTExpiry)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"id":           user.ID,
		"phone_number": user.PhoneNumber,
		"token":        token,
	})
}

func (h *Handler) findOrCreatePhoneUser(c *gin.Context, phone, provider string) (*models.User, error) {
	ctx := c.Request.Context()

	var user models.User
	err := h.DB.WithContext(ctx).Where("phone_number = ?", phone).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = models.User{
		Name:         "Farmer " + phone,
		PhoneNumber:  &phone,
		AuthProvider: provider,
		IsActive:     true,
	}
	if err := h.DB.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
