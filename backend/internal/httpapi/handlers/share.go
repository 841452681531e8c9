package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"termcollab/backend/internal/share"

	"github.com/gin-gonic/gin"
)

// ShareService 是 share.Manager 暴露给 HTTP 的部分
type ShareService interface {
	CreateShare(ctx context.Context, req share.CreateRequest) (*share.Share, error)
	RevokeShare(ctx context.Context, token string) (bool, error)
	GetShareInfo(ctx context.Context, token string) (*share.Share, error)
	ActiveShares() []*share.Share
	SharesForSession(sessionID string) []*share.Share
	ShareOwner(token string) (string, bool)
}

type ShareHandler struct {
	svc ShareService
}

func NewShareHandler(svc ShareService) *ShareHandler {
	return &ShareHandler{svc: svc}
}

// Register 挂载分享相关路由，调用方负责在前面加鉴权中间件
func (h *ShareHandler) Register(r gin.IRoutes) {
	r.POST("/share", h.CreateShare)
	r.GET("/share/:token", h.GetShare)
	r.DELETE("/share/:token", h.RevokeShare)
	r.GET("/shares", h.ListShares)
}

type createShareRequest struct {
	SessionID         string `json:"session_id" binding:"required"`
	AccessType        string `json:"access_type" binding:"required"`
	ExpiresInHours    int    `json:"expires_in_hours"`
	IsPublic          bool   `json:"is_public"`
	RequireEncryption bool   `json:"require_encryption"`
}

// 对外返回的分享，加密密钥只在创建时返回一次
type shareResponse struct {
	SessionID          string     `json:"session_id"`
	Token              string     `json:"share_token"`
	URL                string     `json:"share_url,omitempty"`
	OwnerID            string     `json:"owner_id,omitempty"`
	AccessType         string     `json:"access_type"`
	IsPublic           bool       `json:"is_public"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	EncryptionKey      *string    `json:"encryption_key,omitempty"`
	Views              int        `json:"views"`
	ActiveParticipants int        `json:"active_participants"`
	IsActive           bool       `json:"is_active"`
}

func toResponse(s *share.Share, withKey bool) shareResponse {
	resp := shareResponse{
		SessionID:          s.SessionID,
		Token:              s.Token,
		URL:                s.URL,
		OwnerID:            s.OwnerID,
		AccessType:         string(s.AccessType),
		IsPublic:           s.IsPublic,
		CreatedAt:          s.CreatedAt,
		ExpiresAt:          s.ExpiresAt,
		Views:              s.Views,
		ActiveParticipants: s.ActiveParticipants,
		IsActive:           s.IsActive,
	}
	if withKey {
		resp.EncryptionKey = s.EncryptionKey
	}
	return resp
}

func (h *ShareHandler) CreateShare(c *gin.Context) {
	ownerID := c.GetString("userId")
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context missing"})
		return
	}

	var body createShareRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accessType, err := share.ParseAccessType(body.AccessType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.svc.CreateShare(c.Request.Context(), share.CreateRequest{
		SessionID:         body.SessionID,
		OwnerID:           ownerID,
		AccessType:        accessType,
		ExpiresInHours:    body.ExpiresInHours,
		IsPublic:          body.IsPublic,
		RequireEncryption: body.RequireEncryption,
	})
	if err != nil {
		var cerr *share.ShareCreationError
		switch {
		case errors.As(err, &cerr) && cerr.Status >= 400 && cerr.Status < 500:
			c.JSON(http.StatusBadRequest, gin.H{"error": cerr.Reason})
		case errors.As(err, &cerr):
			c.JSON(http.StatusBadGateway, gin.H{"error": cerr.Reason})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "SHARE_SERVICE_UNAVAILABLE"})
		}
		return
	}
	c.JSON(http.StatusCreated, toResponse(s, true))
}

func (h *ShareHandler) GetShare(c *gin.Context) {
	token := c.Param("token")
	s, err := h.svc.GetShareInfo(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "SHARE_SERVICE_UNAVAILABLE"})
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "SHARE_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, toResponse(s, false))
}

// RevokeShare 只允许创建者撤销本实例创建的分享；本地没有的 token 交给远端判断
func (h *ShareHandler) RevokeShare(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context missing"})
		return
	}
	token := c.Param("token")
	if owner, ok := h.svc.ShareOwner(token); ok && owner != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "NOT_SHARE_OWNER", "revoked": false})
		return
	}
	ok, err := h.svc.RevokeShare(c.Request.Context(), token)
	if err != nil {
		var rerr *share.ShareRevocationError
		if errors.As(err, &rerr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": rerr.Reason, "revoked": false})
			return
		}
		// 远端状态未知
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "REVOKE_OUTCOME_UNKNOWN", "revoked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"share_token": token, "revoked": ok})
}

// ListShares 只返回调用者自己创建的有效分享
func (h *ShareHandler) ListShares(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context missing"})
		return
	}
	var shares []*share.Share
	if sessionID := c.Query("session_id"); sessionID != "" {
		shares = h.svc.SharesForSession(sessionID)
	} else {
		shares = h.svc.ActiveShares()
	}
	out := make([]shareResponse, 0, len(shares))
	for _, s := range shares {
		if s.OwnerID != userID {
			continue
		}
		out = append(out, toResponse(s, false))
	}
	c.JSON(http.StatusOK, gin.H{"shares": out})
}
