package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// 分享生命周期事件
const (
	ShareEventCreated = "CREATED"
	ShareEventRevoked = "REVOKED"
	ShareEventExpired = "EXPIRED"
	ShareEventDeleted = "DELETED"
)

// share_token 全局唯一且永不复用，靠主键保证
var ErrTokenReused = errors.New("SHARE_TOKEN_REUSED")

// ShareToken 记录本进程签发过的每个 token，撤销或过期后行依然保留
type ShareToken struct {
	Token      string `gorm:"primaryKey;type:varchar(128)"`
	SessionID  string `gorm:"type:varchar(64);index"`
	OwnerID    string `gorm:"type:varchar(64)"`
	AccessType string `gorm:"type:varchar(16)"`
	IsPublic   bool
	ExpiresAt  *time.Time
	InactiveAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ShareEvent struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Token     string `gorm:"type:varchar(128);index"`
	Event     string `gorm:"type:varchar(16)"`
	CreatedAt time.Time
}

type ShareAuditStore struct {
	db *gorm.DB
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
}

func NewShareAuditStore(db *gorm.DB) *ShareAuditStore {
	return &ShareAuditStore{db: db}
}

func (s *ShareAuditStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ShareToken{}, &ShareEvent{})
}

func isDuplicateKey(err error) bool {
	// 1062 = duplicate key
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// RecordCreated 写入新 token 和 CREATED 事件；token 已存在时返回 ErrTokenReused
func (s *ShareAuditStore) RecordCreated(ctx context.Context, rec ShareToken) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrTokenReused
			}
			return err
		}
		return tx.Create(&ShareEvent{Token: rec.Token, Event: ShareEventCreated}).Error
	})
}

// RecordEvent 追加事件；撤销和过期同时记下失效时间（只记第一次）
func (s *ShareAuditStore) RecordEvent(ctx context.Context, token string, event string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event == ShareEventRevoked || event == ShareEventExpired {
			now := time.Now()
			err := tx.Model(&ShareToken{}).
				Where("token = ? AND inactive_at IS NULL", token).
				Update("inactive_at", &now).Error
			if err != nil {
				return err
			}
		}
		return tx.Create(&ShareEvent{Token: token, Event: event}).Error
	})
}

// FindToken 没找到时返回 nil, nil
func (s *ShareAuditStore) FindToken(ctx context.Context, token string) (*ShareToken, error) {
	var rec ShareToken
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Events 按时间顺序返回某个 token 的全部事件
func (s *ShareAuditStore) Events(ctx context.Context, token string) ([]ShareEvent, error) {
	var events []ShareEvent
	err := s.db.WithContext(ctx).Where("token = ?", token).Order("id ASC").Find(&events).Error
	return events, err
}
