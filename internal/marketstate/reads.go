package marketstate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
)

// fresh 流式来源的数据只在所属连接 streaming 时可信；拉取/恢复来源按年龄判断。
// maxStreamAge > 0 时流式数据还要求年龄不超过该值
func (s *Store) fresh(snap *Snapshot, src domain.Source, group domain.ChannelGroup, updatedAt time.Time, tolerance, maxStreamAge time.Duration) bool {
	age := s.now().Sub(updatedAt)
	if src == domain.SourceStream {
		if !snap.StatusOf(group).IsHealthy() {
			return false
		}
		return maxStreamAge <= 0 || age <= maxStreamAge
	}
	return age <= tolerance
}

func (s *Store) balanceFresh(snap *Snapshot, b domain.Balance) bool {
	return s.fresh(snap, b.Source, domain.GroupPrivate, b.UpdatedAt, s.opts.BalanceTolerance, s.opts.BalanceMaxStreamAge)
}

func (s *Store) tickerFresh(snap *Snapshot, t domain.Ticker) bool {
	return s.fresh(snap, t.Source, domain.GroupPublic, t.UpdatedAt, s.opts.MarketTolerance, s.opts.MarketTolerance)
}

// GetBalance 返回可用于下单校验的余额。
//
// 新鲜时直接返回；否则在允许回退时发起一次（并发去重的）有界拉取。
// 拉取后仍不新鲜：曾观测到返回 *StaleDataError，从未观测到返回 ErrUnavailable
func (s *Store) GetBalance(ctx context.Context, asset string, allowFallback bool) (domain.Balance, error) {
	snap := s.snap.Load()
	b, ok := snap.Balances[asset]
	if ok && s.balanceFresh(snap, b) {
		return b, nil
	}

	var pullErr error
	if allowFallback {
		pullErr = s.fallback(ctx, "balances", s.fetchBalances)
		snap = s.snap.Load()
		b, ok = snap.Balances[asset]
		if ok && s.balanceFresh(snap, b) {
			return b, nil
		}
	}
	return domain.Balance{}, s.staleBalance(asset, b, ok, pullErr)
}

// RefreshBalance 强制拉取余额，忽略新鲜度（成交后调用）
func (s *Store) RefreshBalance(ctx context.Context, asset string) (domain.Balance, error) {
	if s.puller == nil {
		return domain.Balance{}, errors.WithMessage(domain.ErrUnavailable, "no pull source")
	}
	s.stats.fallbacks.Add(1)
	pctx, cancel := context.WithTimeout(ctx, s.opts.FallbackTimeout)
	defer cancel()

	snap, err := s.puller.Balances(pctx, pullclient.ModeHotPath)
	if err == nil {
		snap.Recovery = true
		err = s.ApplyPullSnapshot(pctx, snap)
	}
	cur := s.snap.Load()
	b, ok := cur.Balances[asset]
	if err != nil {
		s.stats.fallbackFailures.Add(1)
		return domain.Balance{}, s.staleBalance(asset, b, ok, err)
	}
	if !ok {
		// 拉取成功但没有该资产：余额视为 0
		b = domain.NewBalance(asset, decimal.Zero, decimal.Zero)
		b.Source = domain.SourcePull
		b.Sequence = snap.Sequence
		b.UpdatedAt = snap.FetchedAt
	}
	return b, nil
}

func (s *Store) staleBalance(asset string, b domain.Balance, known bool, pullErr error) error {
	if !known {
		if pullErr != nil {
			return errors.WithMessagef(domain.ErrUnavailable, "balance %s: %v", asset, pullErr)
		}
		return errors.WithMessagef(domain.ErrUnavailable, "balance %s", asset)
	}
	return &domain.StaleDataError{Asset: asset, Age: s.now().Sub(b.UpdatedAt), Source: b.Source, Err: pullErr}
}

// GetTicker 行情，容忍度比余额宽松
func (s *Store) GetTicker(ctx context.Context, symbol string, allowFallback bool) (domain.Ticker, error) {
	snap := s.snap.Load()
	t, ok := snap.Tickers[symbol]
	if ok && s.tickerFresh(snap, t) {
		return t, nil
	}

	var pullErr error
	if allowFallback {
		pullErr = s.fallback(ctx, "ticker:"+symbol, func(ctx context.Context) (domain.PullSnapshot, error) {
			tk, err := s.puller.Ticker(ctx, pullclient.ModeHotPath, symbol)
			if err != nil {
				return domain.PullSnapshot{}, err
			}
			return domain.PullSnapshot{Tickers: []domain.Ticker{tk}, Sequence: tk.Sequence, FetchedAt: tk.UpdatedAt}, nil
		})
		snap = s.snap.Load()
		t, ok = snap.Tickers[symbol]
		if ok && s.tickerFresh(snap, t) {
			return t, nil
		}
	}
	if !ok {
		if pullErr != nil {
			return domain.Ticker{}, errors.WithMessagef(domain.ErrUnavailable, "ticker %s: %v", symbol, pullErr)
		}
		return domain.Ticker{}, errors.WithMessagef(domain.ErrUnavailable, "ticker %s", symbol)
	}
	return domain.Ticker{}, &domain.StaleDataError{Asset: symbol, Age: s.now().Sub(t.UpdatedAt), Source: t.Source, Err: pullErr}
}

// GetOrderBook 盘口（不回退）
func (s *Store) GetOrderBook(symbol string) (domain.OrderBook, error) {
	snap := s.snap.Load()
	book, ok := snap.Books[symbol]
	if !ok {
		return domain.OrderBook{}, errors.WithMessagef(domain.ErrUnavailable, "book %s", symbol)
	}
	if !s.fresh(snap, book.Source, domain.GroupPublic, book.UpdatedAt, s.opts.MarketTolerance, 0) {
		return book, &domain.StaleDataError{Asset: symbol, Age: s.now().Sub(book.UpdatedAt), Source: book.Source}
	}
	return book, nil
}

// OpenOrders 当前挂单
func (s *Store) OpenOrders() []domain.OpenOrder {
	snap := s.snap.Load()
	out := make([]domain.OpenOrder, 0, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		out = append(out, o)
	}
	return out
}

// OpenOrderByClientID 按 client order id 查找挂单
func (s *Store) OpenOrderByClientID(clientOrderID string) (domain.OpenOrder, bool) {
	for _, o := range s.snap.Load().OpenOrders {
		if o.ClientOrderID == clientOrderID {
			return o, true
		}
	}
	return domain.OpenOrder{}, false
}

func (s *Store) fetchBalances(ctx context.Context) (domain.PullSnapshot, error) {
	return s.puller.Balances(ctx, pullclient.ModeHotPath)
}

// flight 一次进行中的回退拉取。waiters 归零时取消拉取
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// fallback 同一 key 的并发回退只发起一次拉取。
// 拉取在所有等待者都放弃（或 store 停止）时取消，取消后的结果不会写入
func (s *Store) fallback(ctx context.Context, key string, fetch func(ctx context.Context) (domain.PullSnapshot, error)) error {
	if s.puller == nil {
		return errors.New("no pull source")
	}
	f := s.joinFlight(key)
	defer s.leaveFlight(key, f)

	ch := s.sf.DoChan(key, func() (any, error) {
		s.stats.fallbacks.Add(1)
		pctx, cancel := context.WithTimeout(f.ctx, s.opts.FallbackTimeout)
		defer cancel()

		snap, err := fetch(pctx)
		if err == nil {
			err = pctx.Err()
		}
		if err == nil {
			snap.Recovery = true
			err = s.ApplyPullSnapshot(pctx, snap)
		}
		if err != nil {
			s.stats.fallbackFailures.Add(1)
			log.Warnf("⚠️ 回退拉取 %s 失败: %v", key, err)
		}
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) joinFlight(key string) *flight {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	f := s.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(s.life)
		f = &flight{ctx: fctx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++
	return f
}

func (s *Store) leaveFlight(key string, f *flight) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.flights[key] == f {
		delete(s.flights, key)
		// 被取消的调用可能还没返回，后来者必须发起新的拉取
		s.sf.Forget(key)
	}
}
