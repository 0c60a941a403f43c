package marketstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradecore/internal/domain"
	"github.com/betbot/tradecore/internal/pullclient"
	"github.com/betbot/tradecore/pkg/persistence"
)

type fakePuller struct {
	seq *domain.Sequencer

	mu       sync.Mutex
	balances map[string]string
	err      error
	delay    time.Duration

	balanceCalls atomic.Int32
	tickerCalls  atomic.Int32
	cancelled    atomic.Int32
}

func newFakePuller(seq *domain.Sequencer) *fakePuller {
	return &fakePuller{seq: seq, balances: map[string]string{}}
}

func (f *fakePuller) set(asset, amount string) {
	f.mu.Lock()
	f.balances[asset] = amount
	f.mu.Unlock()
}

func (f *fakePuller) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePuller) HasCredentials() bool { return true }

func (f *fakePuller) Balances(ctx context.Context, _ pullclient.Mode) (domain.PullSnapshot, error) {
	f.balanceCalls.Add(1)
	seq := f.seq.Next()
	f.mu.Lock()
	delay, err := f.delay, f.err
	amounts := make(map[string]string, len(f.balances))
	for k, v := range f.balances {
		amounts[k] = v
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.cancelled.Add(1)
			return domain.PullSnapshot{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.PullSnapshot{}, err
	}
	now := time.Now()
	snap := domain.PullSnapshot{Sequence: seq, FetchedAt: now}
	for asset, amt := range amounts {
		bal := domain.NewBalance(asset, decimal.RequireFromString(amt), decimal.Zero)
		bal.UpdatedAt = now
		snap.Balances = append(snap.Balances, bal)
	}
	return snap, nil
}

func (f *fakePuller) OpenOrders(context.Context, pullclient.Mode) (domain.PullSnapshot, error) {
	return domain.PullSnapshot{Sequence: f.seq.Next(), FetchedAt: time.Now(), OpenOrders: []domain.OpenOrder{}}, nil
}

func (f *fakePuller) Ticker(_ context.Context, _ pullclient.Mode, symbol string) (domain.Ticker, error) {
	f.tickerCalls.Add(1)
	return domain.Ticker{
		Symbol:    symbol,
		Bid:       decimal.RequireFromString("99"),
		Ask:       decimal.RequireFromString("101"),
		Sequence:  f.seq.Next(),
		UpdatedAt: time.Now(),
	}, nil
}

func startStore(t *testing.T, puller Puller, seq *domain.Sequencer, opts Options) *Store {
	t.Helper()
	s := New(puller, seq, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// barrier 空拉取结果按命令顺序处理，返回时之前投递的消息都已生效
func barrier(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.ApplyPullSnapshot(context.Background(), domain.PullSnapshot{}))
}

func balanceUpdate(seq uint64, asset, amount string) domain.StreamUpdate {
	return domain.StreamUpdate{
		Group:      domain.GroupPrivate,
		Channel:    domain.ChannelBalances,
		Type:       "update",
		Data:       json.RawMessage(fmt.Sprintf(`[{"asset":%q,"balance":%s}]`, asset, amount)),
		Sequence:   seq,
		ReceivedAt: time.Now(),
	}
}

func pullBalance(seq uint64, asset, amount string, recovery bool) domain.PullSnapshot {
	bal := domain.NewBalance(asset, decimal.RequireFromString(amount), decimal.Zero)
	bal.UpdatedAt = time.Now()
	return domain.PullSnapshot{Balances: []domain.Balance{bal}, Sequence: seq, FetchedAt: bal.UpdatedAt, Recovery: recovery}
}

func streaming(t *testing.T, s *Store, group domain.ChannelGroup, status domain.ConnectionStatus) {
	t.Helper()
	s.SetConnectionStatus(group, status)
	barrier(t, s)
}

func TestStreamUpdateWinsOverOlderPull(t *testing.T) {
	seq := &domain.Sequencer{}
	s := startStore(t, nil, seq, Options{})
	ctx := context.Background()
	streaming(t, s, domain.GroupPrivate, domain.StatusStreaming)

	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(5, "USD", "100")))
	require.NoError(t, s.ApplyPullSnapshot(ctx, pullBalance(3, "USD", "90", false)))
	assert.Equal(t, "100", s.Snapshot().Balances["USD"].Total.String())

	// 流健康且已见过该资产：非恢复拉取即使更新也不覆盖
	require.NoError(t, s.ApplyPullSnapshot(ctx, pullBalance(7, "USD", "80", false)))
	assert.Equal(t, "100", s.Snapshot().Balances["USD"].Total.String())

	require.NoError(t, s.ApplyPullSnapshot(ctx, pullBalance(8, "USD", "70", true)))
	bal := s.Snapshot().Balances["USD"]
	assert.Equal(t, "70", bal.Total.String())
	assert.Equal(t, domain.SourcePull, bal.Source)
	assert.Equal(t, uint64(8), bal.Sequence)

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.PullSkipped)
}

func TestPullFillsEntitiesNeverSeenOnStream(t *testing.T) {
	s := startStore(t, nil, nil, Options{})
	ctx := context.Background()
	streaming(t, s, domain.GroupPrivate, domain.StatusStreaming)

	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(1, "USD", "100")))
	require.NoError(t, s.ApplyPullSnapshot(ctx, pullBalance(2, "ETH", "3.5", false)))
	assert.Equal(t, "3.5", s.Snapshot().Balances["ETH"].Total.String())
}

func TestOutOfOrderStreamUpdatesDropped(t *testing.T) {
	s := startStore(t, nil, nil, Options{})
	ctx := context.Background()

	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(10, "USD", "100")))
	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(9, "USD", "50")))
	barrier(t, s)

	assert.Equal(t, "100", s.Snapshot().Balances["USD"].Total.String())
	assert.Equal(t, int64(1), s.Stats().OutOfOrder)
}

func TestConvergesToHighestSequenceForAnyInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 25; round++ {
		s := startStore(t, nil, nil, Options{})
		ctx := context.Background()
		streaming(t, s, domain.GroupPrivate, domain.StatusDegraded)

		type op struct {
			seq    uint64
			stream bool
		}
		ops := make([]op, 12)
		for i := range ops {
			ops[i] = op{seq: uint64(i + 1), stream: rng.Intn(2) == 0}
		}
		rng.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })

		for _, o := range ops {
			amount := fmt.Sprintf("%d", o.seq)
			if o.stream {
				require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(o.seq, "USD", amount)))
			} else {
				require.NoError(t, s.ApplyPullSnapshot(ctx, pullBalance(o.seq, "USD", amount, false)))
			}
		}
		barrier(t, s)

		bal := s.Snapshot().Balances["USD"]
		assert.Equal(t, uint64(12), bal.Sequence, "round %d", round)
		assert.Equal(t, "12", bal.Total.String(), "round %d", round)
	}
}

func TestGetBalanceFreshStreamValueNeedsNoPull(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	s := startStore(t, puller, seq, Options{})
	ctx := context.Background()
	streaming(t, s, domain.GroupPrivate, domain.StatusStreaming)
	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(seq.Next(), "USD", "100")))
	barrier(t, s)

	first, err := s.GetBalance(ctx, "USD", true)
	require.NoError(t, err)
	second, err := s.GetBalance(ctx, "USD", true)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, domain.SourceStream, first.Source)
	assert.Zero(t, puller.balanceCalls.Load())
}

func TestGetBalanceDegradedStreamTriggersExactlyOnePull(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.set("USD", "95")
	puller.delay = 30 * time.Millisecond
	s := startStore(t, puller, seq, Options{})
	ctx := context.Background()

	streaming(t, s, domain.GroupPrivate, domain.StatusStreaming)
	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(seq.Next(), "USD", "100")))
	streaming(t, s, domain.GroupPrivate, domain.StatusDegraded)

	var wg sync.WaitGroup
	results := make([]domain.Balance, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetBalance(ctx, "USD", true)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), puller.balanceCalls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "95", results[i].Total.String())
		assert.Equal(t, domain.SourcePull, results[i].Source)
	}

	// 拉取结果在容忍期内再次读取不再触发拉取
	again, err := s.GetBalance(ctx, "USD", true)
	require.NoError(t, err)
	assert.Equal(t, results[0], again)
	assert.Equal(t, int32(1), puller.balanceCalls.Load())
}

func TestCallerCancelAbortsFallbackPull(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.set("USD", "95")
	puller.delay = 2 * time.Second
	s := startStore(t, puller, seq, Options{FallbackTimeout: 5 * time.Second})

	require.NoError(t, s.ApplyStreamUpdate(context.Background(), balanceUpdate(seq.Next(), "USD", "100")))
	streaming(t, s, domain.GroupPrivate, domain.StatusDegraded)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := s.GetBalance(ctx, "USD", true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return puller.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
	barrier(t, s)
	bal := s.Snapshot().Balances["USD"]
	assert.Equal(t, "100", bal.Total.String())
	assert.Equal(t, domain.SourceStream, bal.Source)
	assert.Equal(t, int32(1), puller.balanceCalls.Load())

	// 取消后的新调用重新发起拉取
	puller.mu.Lock()
	puller.delay = 0
	puller.mu.Unlock()
	got, err := s.GetBalance(context.Background(), "USD", true)
	require.NoError(t, err)
	assert.Equal(t, "95", got.Total.String())
	assert.Equal(t, int32(2), puller.balanceCalls.Load())
}

func TestSharedFallbackSurvivesOneWaiterLeaving(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.set("USD", "95")
	puller.delay = 150 * time.Millisecond
	s := startStore(t, puller, seq, Options{})

	require.NoError(t, s.ApplyStreamUpdate(context.Background(), balanceUpdate(seq.Next(), "USD", "100")))
	streaming(t, s, domain.GroupPrivate, domain.StatusDegraded)

	leaving, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var leftErr, stayErr error
	var stayed domain.Balance
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, leftErr = s.GetBalance(leaving, "USD", true)
	}()
	go func() {
		defer wg.Done()
		stayed, stayErr = s.GetBalance(context.Background(), "USD", true)
	}()
	require.Eventually(t, func() bool { return puller.balanceCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, leftErr, context.Canceled)
	require.NoError(t, stayErr)
	assert.Equal(t, "95", stayed.Total.String())
	assert.Equal(t, int32(1), puller.balanceCalls.Load())
	assert.Zero(t, puller.cancelled.Load())
}

func TestStoreStopCancelsFallbackPull(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.delay = 2 * time.Second
	s := New(puller, seq, Options{FallbackTimeout: 5 * time.Second})
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	errc := make(chan error, 1)
	go func() {
		_, err := s.GetBalance(context.Background(), "USD", true)
		errc <- err
	}()
	require.Eventually(t, func() bool { return puller.balanceCalls.Load() == 1 }, time.Second, time.Millisecond)
	stop()
	<-done

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrUnavailable)
	case <-time.After(time.Second):
		t.Fatal("fallback not cancelled by store stop")
	}
	assert.Equal(t, int32(1), puller.cancelled.Load())
}

func TestStalledStreamBalanceExpiresByMaxAge(t *testing.T) {
	seq := &domain.Sequencer{}
	s := startStore(t, nil, seq, Options{BalanceMaxStreamAge: time.Minute})
	ctx := context.Background()
	streaming(t, s, domain.GroupPrivate, domain.StatusStreaming)
	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(seq.Next(), "USD", "100")))
	barrier(t, s)

	s.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	_, err := s.GetBalance(ctx, "USD", false)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.GetBalance(ctx, "USD", false)
	var stale *domain.StaleDataError
	assert.ErrorAs(t, err, &stale)
}

func TestGetBalanceStaleAfterFailedFallback(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.fail(&domain.NetworkError{Op: "balances", Err: errors.New("connection reset")})
	s := startStore(t, puller, seq, Options{})
	ctx := context.Background()

	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(seq.Next(), "USD", "100")))
	streaming(t, s, domain.GroupPrivate, domain.StatusDegraded)

	_, err := s.GetBalance(ctx, "USD", true)
	var stale *domain.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "USD", stale.Asset)
	assert.Equal(t, domain.SourceStream, stale.Source)
	var netErr *domain.NetworkError
	assert.ErrorAs(t, err, &netErr)

	_, err = s.GetBalance(ctx, "BTC", true)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, int64(2), s.Stats().FallbackFailures)
}

func TestGetBalanceWithoutFallbackNeverPulls(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	s := startStore(t, puller, seq, Options{})
	ctx := context.Background()

	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(seq.Next(), "USD", "100")))
	barrier(t, s)

	_, err := s.GetBalance(ctx, "USD", false)
	var stale *domain.StaleDataError
	assert.ErrorAs(t, err, &stale)
	_, err = s.GetBalance(ctx, "EUR", false)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Zero(t, puller.balanceCalls.Load())
}

func TestPullSourcedBalanceExpiresByAge(t *testing.T) {
	seq := &domain.Sequencer{}
	s := startStore(t, nil, seq, Options{BalanceTolerance: time.Second})
	ctx := context.Background()
	require.NoError(t, s.ApplyPullSnapshot(ctx, pullBalance(seq.Next(), "USD", "10", false)))

	_, err := s.GetBalance(ctx, "USD", false)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	_, err = s.GetBalance(ctx, "USD", false)
	var stale *domain.StaleDataError
	assert.ErrorAs(t, err, &stale)
}

func TestRefreshBalanceBypassesTolerance(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.set("USD", "42.5")
	s := startStore(t, puller, seq, Options{})
	ctx := context.Background()
	streaming(t, s, domain.GroupPrivate, domain.StatusStreaming)
	require.NoError(t, s.ApplyStreamUpdate(ctx, balanceUpdate(seq.Next(), "USD", "100")))
	barrier(t, s)

	bal, err := s.RefreshBalance(ctx, "USD")
	require.NoError(t, err)
	assert.Equal(t, "42.5", bal.Total.String())
	assert.Equal(t, int32(1), puller.balanceCalls.Load())

	bal, err = s.RefreshBalance(ctx, "DOGE")
	require.NoError(t, err)
	assert.True(t, bal.Total.IsZero())
}

func TestGetTickerFallsBackToPull(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	s := startStore(t, puller, seq, Options{})
	ctx := context.Background()

	tk, err := s.GetTicker(ctx, "BTC/USD", true)
	require.NoError(t, err)
	assert.Equal(t, "101", tk.Ask.String())
	assert.Equal(t, domain.SourcePull, tk.Source)

	_, err = s.GetTicker(ctx, "BTC/USD", true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), puller.tickerCalls.Load())

	_, err = s.GetTicker(ctx, "ETH/USD", false)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestBookSnapshotAndIncrementalUpdate(t *testing.T) {
	s := startStore(t, nil, nil, Options{BookDepth: 2})
	ctx := context.Background()
	streaming(t, s, domain.GroupPublic, domain.StatusStreaming)

	snap := `[{"symbol":"BTC/USD","bids":[{"price":100,"qty":1},{"price":99,"qty":2},{"price":98,"qty":3}],"asks":[{"price":101,"qty":1},{"price":102,"qty":2}]}]`
	upd := `[{"symbol":"BTC/USD","bids":[{"price":100,"qty":0},{"price":99.5,"qty":4}],"asks":[{"price":100.5,"qty":1}]}]`
	require.NoError(t, s.ApplyStreamUpdate(ctx, domain.StreamUpdate{Channel: domain.ChannelBook, Type: "snapshot", Data: json.RawMessage(snap), Sequence: 1, ReceivedAt: time.Now()}))
	require.NoError(t, s.ApplyStreamUpdate(ctx, domain.StreamUpdate{Channel: domain.ChannelBook, Type: "update", Data: json.RawMessage(upd), Sequence: 2, ReceivedAt: time.Now()}))
	barrier(t, s)

	book, err := s.GetOrderBook("BTC/USD")
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, "99.5", book.Bids[0].Price.String())
	assert.Equal(t, "99", book.Bids[1].Price.String())
	require.Len(t, book.Asks, 2)
	assert.Equal(t, "100.5", book.Asks[0].Price.String())
	assert.Equal(t, "101", book.Asks[1].Price.String())

	streaming(t, s, domain.GroupPublic, domain.StatusDegraded)
	_, err = s.GetOrderBook("BTC/USD")
	var stale *domain.StaleDataError
	assert.ErrorAs(t, err, &stale)
}

func TestExecutionsTrackOpenOrdersAndNotify(t *testing.T) {
	s := startStore(t, nil, nil, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var got []domain.ExecutionEvent
	s.SubscribeExecutions(func(ev domain.ExecutionEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	newOrder := `[{"order_id":"O1","cl_ord_id":"intent-1","symbol":"BTC/USD","side":"buy","exec_type":"new","order_status":"new","order_qty":2.5}]`
	filled := `[{"order_id":"O1","cl_ord_id":"intent-1","exec_type":"filled","order_status":"filled","cum_qty":2.5,"last_qty":2.5,"last_price":100}]`
	require.NoError(t, s.ApplyStreamUpdate(ctx, domain.StreamUpdate{Group: domain.GroupPrivate, Channel: domain.ChannelExecutions, Type: "update", Data: json.RawMessage(newOrder), Sequence: 1, ReceivedAt: time.Now()}))
	barrier(t, s)

	o, ok := s.OpenOrderByClientID("intent-1")
	require.True(t, ok)
	assert.Equal(t, "O1", o.OrderID)
	assert.Equal(t, "2.5", o.Quantity.String())

	require.NoError(t, s.ApplyStreamUpdate(ctx, domain.StreamUpdate{Group: domain.GroupPrivate, Channel: domain.ChannelExecutions, Type: "update", Data: json.RawMessage(filled), Sequence: 2, ReceivedAt: time.Now()}))
	barrier(t, s)

	assert.Empty(t, s.OpenOrders())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, domain.ExecNew, got[0].ExecType)
	assert.True(t, got[1].IsFill())
	assert.Equal(t, uint64(2), got[1].Sequence)
}

func TestOpenOrdersPullRemovesUnlistedOlderOrders(t *testing.T) {
	s := startStore(t, nil, nil, Options{})
	ctx := context.Background()

	require.NoError(t, s.ApplyPullSnapshot(ctx, domain.PullSnapshot{
		Sequence:   1,
		FetchedAt:  time.Now(),
		OpenOrders: []domain.OpenOrder{{OrderID: "O1", ClientOrderID: "a"}, {OrderID: "O2", ClientOrderID: "b"}},
	}))
	require.Len(t, s.OpenOrders(), 2)

	require.NoError(t, s.ApplyPullSnapshot(ctx, domain.PullSnapshot{
		Sequence:   2,
		FetchedAt:  time.Now(),
		OpenOrders: []domain.OpenOrder{{OrderID: "O2", ClientOrderID: "b"}},
	}))
	orders := s.OpenOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "O2", orders[0].OrderID)
}

func TestRestoreAdvancesSequencer(t *testing.T) {
	svc, err := persistence.OpenBadger(persistence.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer svc.Close()
	store := svc.NewStore("state", "market", "balances")

	seq := &domain.Sequencer{}
	seq.AdvanceTo(40)
	first := New(nil, seq, Options{Persistence: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		first.Run(ctx)
		close(done)
	}()
	require.NoError(t, first.ApplyStreamUpdate(context.Background(), balanceUpdate(41, "USD", "250")))
	barrier(t, first)
	cancel()
	<-done

	restartedSeq := &domain.Sequencer{}
	second := New(nil, restartedSeq, Options{Persistence: store})
	require.NoError(t, second.Restore())

	bal := second.Snapshot().Balances["USD"]
	assert.Equal(t, "250", bal.Total.String())
	assert.Equal(t, domain.SourceRestored, bal.Source)
	assert.Greater(t, restartedSeq.Next(), uint64(40))
}

func TestBootstrapWarmsBalancesAndTickers(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.set("USD", "12.5")
	s := startStore(t, puller, seq, Options{})

	require.NoError(t, s.Bootstrap(context.Background(), []string{"BTC/USD", "ETH/USD"}))

	snap := s.Snapshot()
	assert.True(t, snap.Balances["USD"].Total.Equal(decimal.RequireFromString("12.5")))
	assert.Contains(t, snap.Tickers, "BTC/USD")
	assert.Contains(t, snap.Tickers, "ETH/USD")
	assert.EqualValues(t, 2, puller.tickerCalls.Load())
}

func TestBootstrapContinuesPastBalanceFailure(t *testing.T) {
	seq := &domain.Sequencer{}
	puller := newFakePuller(seq)
	puller.fail(errors.New("connection refused"))
	s := startStore(t, puller, seq, Options{})

	err := s.Bootstrap(context.Background(), []string{"BTC/USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "拉取余额")
	assert.Contains(t, s.Snapshot().Tickers, "BTC/USD")
}
