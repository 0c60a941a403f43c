package marketstate

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/persistence"
)

// persistedState 落盘内容：余额与已发出的最大序号
type persistedState struct {
	Balances map[string]domain.Balance `json:"balances"`
	Sequence uint64                    `json:"sequence"`
	SavedAt  time.Time                 `json:"saved_at"`
}

// Restore 从持久化读回余额（必须在 Run 之前调用）。恢复的余额只按年龄判断新鲜度，
// Sequencer 推进到已保存的序号之后
func (s *Store) Restore() error {
	if s.opts.Persistence == nil {
		return nil
	}
	var st persistedState
	if err := s.opts.Persistence.Load(&st); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		return errors.Wrap(err, "读取持久化余额失败")
	}

	s.seq.AdvanceTo(st.Sequence)
	base := s.snap.Load()
	b := newBuilder(base)
	for asset, bal := range st.Balances {
		bal.Source = domain.SourceRestored
		b.Balances()[asset] = bal
	}
	s.snap.Store(b.build(st.Sequence, s.now()))
	log.Infof("📂 已恢复 %d 个资产余额 (seq=%d, saved_at=%s)", len(st.Balances), st.Sequence, st.SavedAt.Format(time.RFC3339))
	return nil
}

func (s *Store) flush() {
	if s.opts.Persistence == nil {
		return
	}
	snap := s.snap.Load()
	st := persistedState{
		Balances: snap.Balances,
		Sequence: max(s.seq.Current(), snap.Sequence),
		SavedAt:  s.now(),
	}
	if err := s.opts.Persistence.Save(st); err != nil {
		log.Warnf("保存余额失败: %v", err)
	}
}

// Bootstrap 启动时预热：拉取余额、挂单和行情。单项失败不影响其他项
func (s *Store) Bootstrap(ctx context.Context, symbols []string) error {
	if s.puller == nil {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.puller.HasCredentials() {
		if snap, err := s.puller.Balances(ctx, pullclient.ModeBootstrap); err != nil {
			keep(errors.Wrap(err, "拉取余额"))
		} else {
			keep(s.ApplyPullSnapshot(ctx, snap))
		}
		if snap, err := s.puller.OpenOrders(ctx, pullclient.ModeBootstrap); err != nil {
			keep(errors.Wrap(err, "拉取挂单"))
		} else {
			keep(s.ApplyPullSnapshot(ctx, snap))
		}
	}
	for _, sym := range symbols {
		t, err := s.puller.Ticker(ctx, pullclient.ModeBootstrap, sym)
		if err != nil {
			keep(errors.Wrapf(err, "拉取行情 %s", sym))
			continue
		}
		keep(s.ApplyPullSnapshot(ctx, domain.PullSnapshot{Tickers: []domain.Ticker{t}, Sequence: t.Sequence, FetchedAt: t.UpdatedAt}))
	}
	if firstErr != nil {
		log.Warnf("⚠️ 启动预热不完整: %v", firstErr)
	} else {
		log.Infof("✅ 启动预热完成: symbols=%v", symbols)
	}
	return firstErr
}
