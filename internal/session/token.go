package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/retry"
)

const minRefreshSpacing = 50 * time.Millisecond

// TokenIssuer 签发私有流 token（由拉取客户端经 REST 获取）
type TokenIssuer interface {
	WebSocketToken(ctx context.Context, mode pullclient.Mode) (string, time.Time, error)
}

// TokenManager 持有私有流 token：到期前主动刷新，刷新失败按 auth 退避重试，
// 进入安全余量的 token 不再交给调用方
type TokenManager struct {
	issuer        TokenIssuer
	policy        *retry.Policy
	refreshMargin time.Duration
	safetyMargin  time.Duration

	mu     sync.RWMutex
	token  string
	expiry time.Time

	sf        singleflight.Group
	now       func() time.Time
	onExpired func()
}

// NewTokenManager 创建 token 管理器
func NewTokenManager(issuer TokenIssuer, policy *retry.Policy, refreshMargin, safetyMargin time.Duration) *TokenManager {
	return &TokenManager{
		issuer:        issuer,
		policy:        policy,
		refreshMargin: refreshMargin,
		safetyMargin:  safetyMargin,
		now:           time.Now,
	}
}

// OnExpired 注册回调：刷新持续失败且 token 真正过期时调用
func (m *TokenManager) OnExpired(fn func()) {
	m.onExpired = fn
}

// Token 返回可用 token；当前 token 缺失或进入安全余量时同步刷新
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.usable(); ok {
		return tok, nil
	}
	if err := m.refresh(ctx, pullclient.ModeHotPath); err != nil {
		return "", err
	}
	if tok, ok := m.usable(); ok {
		return tok, nil
	}
	return "", &domain.AuthExpiredError{Reason: "issued token already inside safety margin"}
}

func (m *TokenManager) usable() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" || !m.now().Before(m.expiry.Add(-m.safetyMargin)) {
		return "", false
	}
	return m.token, true
}

// Valid 当前 token 是否可用于下单
func (m *TokenManager) Valid() bool {
	_, ok := m.usable()
	return ok
}

// Expiry token 过期时间（无 token 时为零值）
func (m *TokenManager) Expiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiry
}

// Invalidate 交易所拒绝 token 后调用，下次 Token 会重新签发
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiry = time.Time{}
	m.mu.Unlock()
}

// refresh 并发调用只会触发一次签发
func (m *TokenManager) refresh(ctx context.Context, mode pullclient.Mode) error {
	_, err, _ := m.sf.Do("token", func() (any, error) {
		tok, expiry, err := m.issuer.WebSocketToken(ctx, mode)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.token = tok
		m.expiry = expiry
		m.mu.Unlock()
		log.WithField("expiry", expiry.Format(time.RFC3339)).Info("🔑 私有流 token 已刷新")
		return nil, nil
	})
	return err
}

// Run 主动刷新循环，直到 ctx 结束
func (m *TokenManager) Run(ctx context.Context) {
	for {
		wait := m.untilRefresh()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		b := m.policy.NewBackOff(retry.ClassAuth)
		for {
			err := m.refresh(ctx, pullclient.ModeBootstrap)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			expiry := m.Expiry()
			if !expiry.IsZero() && !m.now().Before(expiry) {
				log.Errorf("❌ token 刷新失败且已过期: %v", err)
				m.Invalidate()
				if m.onExpired != nil {
					m.onExpired()
				}
			} else {
				log.Warnf("⚠️ token 刷新失败，稍后重试: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
		}
	}
}

func (m *TokenManager) untilRefresh() time.Duration {
	expiry := m.Expiry()
	if expiry.IsZero() {
		return 0
	}
	d := expiry.Add(-m.refreshMargin).Sub(m.now())
	if d < minRefreshSpacing {
		return minRefreshSpacing
	}
	return d
}
