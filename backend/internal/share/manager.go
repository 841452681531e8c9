package share

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"termcollab/backend/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSyncInterval   = 60 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultStorePath      = "shares.json"
)

// Auditor 记录分享生命周期，生产环境是 MySQL（store.ShareAuditStore），可以为 nil
type Auditor interface {
	RecordCreated(ctx context.Context, rec store.ShareToken) error
	RecordEvent(ctx context.Context, token string, event string) error
}

type Options struct {
	ServerURL      string
	StorePath      string
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Auditor        Auditor
}

// Manager 独占本地分享缓存和它的持久化文件，其他组件只能拿到快照
type Manager struct {
	client         *client
	file           *store.JSONFile[map[string]*Share]
	auditor        Auditor
	logger         *zap.Logger
	syncInterval   time.Duration
	requestTimeout time.Duration
	sf             singleflight.Group

	mu     sync.RWMutex
	shares map[string]*Share

	// 串行化写文件，保证后写入的快照不会被旧快照覆盖
	persistMu sync.Mutex

	loopMu  sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	running bool
}

func NewManager(opt Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := newClient(opt.ServerURL, opt.HTTPClient)
	if err != nil {
		return nil, err
	}
	if opt.StorePath == "" {
		opt.StorePath = defaultStorePath
	}
	if opt.SyncInterval <= 0 {
		opt.SyncInterval = defaultSyncInterval
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = defaultRequestTimeout
	}
	return &Manager{
		client:         c,
		file:           store.NewJSONFile[map[string]*Share](opt.StorePath),
		auditor:        opt.Auditor,
		logger:         logger,
		syncInterval:   opt.SyncInterval,
		requestTimeout: opt.RequestTimeout,
		shares:         make(map[string]*Share),
	}, nil
}

// Load 用持久化文件重建本地缓存，文件不存在时缓存为空
func (m *Manager) Load() error {
	loaded, _, err := m.file.Load()
	if err != nil {
		return &PersistenceError{Path: m.file.Path(), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = make(map[string]*Share, len(loaded))
	for token, s := range loaded {
		if s == nil {
			continue
		}
		s.Token = token
		m.shares[token] = s
	}
	return nil
}

// persist 把整个缓存写入文件，失败只记日志
func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	snapshot := make(map[string]*Share, len(m.shares))
	for token, s := range m.shares {
		snapshot[token] = s.clone()
	}
	m.mu.RUnlock()

	if err := m.file.Save(snapshot); err != nil {
		perr := &PersistenceError{Path: m.file.Path(), Err: err}
		m.logger.Error("persist shares failed", zap.Error(perr))
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.requestTimeout)
}

// CreateShare 向远端申请 token，成功后写入本地缓存并持久化。
// 持久化失败不影响返回值：远端已经认为这个分享存在。
func (m *Manager) CreateShare(ctx context.Context, req CreateRequest) (*Share, error) {
	if _, err := ParseAccessType(string(req.AccessType)); err != nil {
		return nil, err
	}
	reqCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	resp, err := m.client.create(reqCtx, req)
	if err != nil {
		return nil, err
	}

	s := &Share{
		SessionID:     req.SessionID,
		Token:         resp.ShareToken,
		URL:           resp.ShareURL,
		OwnerID:       req.OwnerID,
		AccessType:    req.AccessType,
		IsPublic:      req.IsPublic,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     parseOptionalTime(resp.ExpiresAt),
		EncryptionKey: resp.EncryptionKey,
		IsActive:      true,
	}
	m.mu.Lock()
	m.shares[s.Token] = s
	out := s.clone()
	m.mu.Unlock()
	m.persist()

	m.audit(ctx, func(ctx context.Context, a Auditor) error {
		return a.RecordCreated(ctx, store.ShareToken{
			Token:      s.Token,
			SessionID:  s.SessionID,
			OwnerID:    s.OwnerID,
			AccessType: string(s.AccessType),
			IsPublic:   s.IsPublic,
			ExpiresAt:  out.ExpiresAt,
		})
	})
	m.logger.Info("share created",
		zap.String("session", s.SessionID),
		zap.String("token", s.Token),
		zap.String("access", string(s.AccessType)))
	return out, nil
}

// RevokeShare 撤销远端 token 并清理本地缓存。远端 404 视为已撤销。
// 网络层失败返回 false 和 *TransportError，本地状态保持不变。
func (m *Manager) RevokeShare(ctx context.Context, token string) (bool, error) {
	reqCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := m.client.revoke(reqCtx, token); err != nil {
		var terr *TransportError
		if errors.As(err, &terr) {
			m.logger.Warn("revoke outcome unknown", zap.String("token", token), zap.Error(err))
		}
		return false, err
	}

	m.mu.Lock()
	delete(m.shares, token)
	m.mu.Unlock()
	m.persist()

	m.audit(ctx, func(ctx context.Context, a Auditor) error {
		return a.RecordEvent(ctx, token, store.ShareEventRevoked)
	})
	m.logger.Info("share revoked", zap.String("token", token))
	return true, nil
}

// GetShareInfo 本地缓存优先；未命中时查询远端，结果不写入本地缓存。
// 远端没有这个 token 时返回 nil, nil。
func (m *Manager) GetShareInfo(ctx context.Context, token string) (*Share, error) {
	m.mu.RLock()
	if s, ok := m.shares[token]; ok {
		out := s.clone()
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	// 同一个 token 的并发查询只打一次远端
	v, err, _ := m.sf.Do(token, func() (interface{}, error) {
		reqCtx, cancel := m.withTimeout(ctx)
		defer cancel()
		resp, err := m.client.info(reqCtx, token)
		if err != nil || resp == nil {
			return (*Share)(nil), err
		}
		return shareFromInfo(token, resp), nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Share)
	if s == nil {
		return nil, nil
	}
	return s.clone(), nil
}

func shareFromInfo(token string, resp *infoResponse) *Share {
	s := &Share{
		SessionID:          resp.SessionID,
		Token:              resp.ShareToken,
		AccessType:         AccessType(resp.AccessType),
		ExpiresAt:          parseOptionalTime(resp.ExpiresAt),
		Views:              resp.Views,
		ActiveParticipants: len(resp.Participants),
		IsActive:           true,
	}
	if s.Token == "" {
		s.Token = token
	}
	if t, ok := parseTime(resp.CreatedAt); ok {
		s.CreatedAt = t
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(time.Now()) {
		s.IsActive = false
	}
	return s
}

// ActiveShares 返回所有有效分享的快照，按创建时间排序
func (m *Manager) ActiveShares() []*Share {
	return m.snapshot(func(s *Share) bool { return s.IsActive })
}

// SharesForSession 返回某个会话的有效分享快照
func (m *Manager) SharesForSession(sessionID string) []*Share {
	return m.snapshot(func(s *Share) bool { return s.IsActive && s.SessionID == sessionID })
}

// ShareOwner 返回本地缓存里分享的创建者，不查询远端
func (m *Manager) ShareOwner(token string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shares[token]
	if !ok {
		return "", false
	}
	return s.OwnerID, true
}

// Shares 返回本地缓存中的全部分享（包括已失效、等待删除的）
func (m *Manager) Shares() []*Share {
	return m.snapshot(func(*Share) bool { return true })
}

func (m *Manager) snapshot(keep func(*Share) bool) []*Share {
	m.mu.RLock()
	out := make([]*Share, 0, len(m.shares))
	for _, s := range m.shares {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteShare 从本地缓存和持久化文件中彻底删除，不调用远端
func (m *Manager) DeleteShare(ctx context.Context, token string) bool {
	m.mu.Lock()
	_, ok := m.shares[token]
	delete(m.shares, token)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.persist()
	m.audit(ctx, func(ctx context.Context, a Auditor) error {
		return a.RecordEvent(ctx, token, store.ShareEventDeleted)
	})
	return true
}

// 审计失败只记日志
func (m *Manager) audit(ctx context.Context, fn func(context.Context, Auditor) error) {
	if m.auditor == nil {
		return
	}
	auditCtx, cancel := m.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := fn(auditCtx, m.auditor); err != nil {
		m.logger.Warn("share audit failed", zap.Error(err))
	}
}

// Start 启动后台同步循环，重复调用无效
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.syncLoop(loopCtx, m.stop, m.done)
}

// Stop 取消进行中的远端请求并等待循环退出
func (m *Manager) Stop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.cancel()
	done := m.done
	m.loopMu.Unlock()
	<-done
}

func (m *Manager) syncLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SyncOnce(ctx)
		}
	}
}

// SyncOnce 拉取每个有效分享的统计数据；单个分享失败只跳过它本身
func (m *Manager) SyncOnce(ctx context.Context) {
	for _, token := range m.activeTokens() {
		if ctx.Err() != nil {
			break
		}
		reqCtx, cancel := m.withTimeout(ctx)
		stats, err := m.client.analytics(reqCtx, token)
		cancel()
		if err != nil {
			m.logger.Warn("share analytics failed", zap.String("token", token), zap.Error(err))
			continue
		}

		expired := false
		m.mu.Lock()
		if s, ok := m.shares[token]; ok {
			s.Views = stats.Views
			s.ActiveParticipants = len(stats.Participants)
			if stats.IsExpired {
				expired = s.deactivate()
			}
		}
		m.mu.Unlock()

		if expired {
			m.logger.Info("share expired", zap.String("token", token))
			m.audit(ctx, func(ctx context.Context, a Auditor) error {
				return a.RecordEvent(ctx, token, store.ShareEventExpired)
			})
		}
	}
	m.persist()
}

func (m *Manager) activeTokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]string, 0, len(m.shares))
	for token, s := range m.shares {
		if s.IsActive {
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens
}
