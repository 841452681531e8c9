package share

import (
	"errors"
	"time"
)

type AccessType string

const (
	AccessReadOnly    AccessType = "read-only"
	AccessInteractive AccessType = "interactive"
)

var ErrInvalidAccessType = errors.New("INVALID_ACCESS_TYPE")

func ParseAccessType(s string) (AccessType, error) {
	switch AccessType(s) {
	case AccessReadOnly, AccessInteractive:
		return AccessType(s), nil
	default:
		return "", ErrInvalidAccessType
	}
}

// Share 是一个可撤销、可过期的会话访问凭证。
// AccessType 创建后不变；IsActive 只会从 true 变成 false。
type Share struct {
	SessionID          string     `json:"session_id" yaml:"session_id"`
	Token              string     `json:"share_token" yaml:"share_token"`
	URL                string     `json:"share_url,omitempty" yaml:"share_url,omitempty"`
	OwnerID            string     `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	AccessType         AccessType `json:"access_type" yaml:"access_type"`
	IsPublic           bool       `json:"is_public" yaml:"is_public"`
	CreatedAt          time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	EncryptionKey      *string    `json:"encryption_key,omitempty" yaml:"-"`
	Views              int        `json:"views" yaml:"views"`
	ActiveParticipants int        `json:"active_participants" yaml:"active_participants"`
	IsActive           bool       `json:"is_active" yaml:"is_active"`
}

func (s *Share) clone() *Share {
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	if s.EncryptionKey != nil {
		k := *s.EncryptionKey
		c.EncryptionKey = &k
	}
	return &c
}

// deactivate 是 IsActive 唯一的写入口，保证单向
func (s *Share) deactivate() bool {
	if !s.IsActive {
		return false
	}
	s.IsActive = false
	return true
}

// CreateRequest 是 CreateShare 的参数，ExpiresInHours<=0 表示不过期
type CreateRequest struct {
	SessionID         string
	OwnerID           string
	AccessType        AccessType
	ExpiresInHours    int
	IsPublic          bool
	RequireEncryption bool
}

// 远端返回的时间可能不带时区，统一按 UTC 解析
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseOptionalTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, ok := parseTime(*s)
	if !ok {
		return nil
	}
	return &t
}
