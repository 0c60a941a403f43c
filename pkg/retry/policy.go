// Package retry 流式会话和拉取客户端共用的退避策略，规则按错误类别区分。
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Class 错误类别，用于选择退避规则
type Class string

const (
	ClassNetwork   Class = "network"
	ClassAuth      Class = "auth"
	ClassRateLimit Class = "rate_limit"
	ClassSubscribe Class = "subscribe"
	// ClassPermanent 永不重试
	ClassPermanent Class = "permanent"
)

// Rule 单个错误类别的退避参数
type Rule struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

// Classifier 把错误映射到类别
type Classifier func(error) Class

// RetryAfterHint 携带服务端建议等待时间的错误
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

var defaultRule = Rule{
	Initial:    500 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
	MaxRetries: 3,
}

// Policy 按错误类别参数化的退避策略
type Policy struct {
	rules    map[Class]Rule
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPolicy 创建策略。未配置规则的类别使用默认规则
func NewPolicy(rules map[Class]Rule, classify Classifier) *Policy {
	cp := make(map[Class]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	if classify == nil {
		classify = func(error) Class { return ClassNetwork }
	}
	return &Policy{rules: cp, classify: classify, sleep: sleepCtx}
}

// Rule 返回类别对应的规则
func (p *Policy) Rule(class Class) Rule {
	if r, ok := p.rules[class]; ok {
		return r
	}
	return defaultRule
}

// Classify 使用配置的分类器
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return ""
	}
	return p.classify(err)
}

// NewBackOff 带抖动的指数退避，供重连这类长期循环使用。这里不限制 MaxRetries
func (p *Policy) NewBackOff(class Class) *backoff.ExponentialBackOff {
	r := p.Rule(class)
	b := backoff.NewExponentialBackOff()
	if r.Initial > 0 {
		b.InitialInterval = r.Initial
	}
	if r.Max > 0 {
		b.MaxInterval = r.Max
	}
	if r.Multiplier > 0 {
		b.Multiplier = r.Multiplier
	}
	b.RandomizationFactor = r.Jitter
	b.Reset()
	return b
}

type doOptions struct {
	only      map[Class]bool
	onAuth    func(ctx context.Context) error
	onAttempt func(attempt int, class Class, wait time.Duration, err error)
}

// DoOption 单次 Do 调用的选项
type DoOption func(*doOptions)

// Only 只重试给定类别
func Only(classes ...Class) DoOption {
	return func(o *doOptions) {
		o.only = make(map[Class]bool, len(classes))
		for _, c := range classes {
			o.only[c] = true
		}
	}
}

// OnAuthExpired 鉴权失败时先调用 fn 刷新，再重试一次
func OnAuthExpired(fn func(ctx context.Context) error) DoOption {
	return func(o *doOptions) { o.onAuth = fn }
}

// OnRetry 每次重试等待前回调
func OnRetry(fn func(attempt int, class Class, wait time.Duration, err error)) DoOption {
	return func(o *doOptions) { o.onAttempt = fn }
}

// Do 执行 op，按每次失败的类别重试。
//
// 网络错误指数退避；限流错误优先按服务端提示等待；鉴权错误刷新后立即重试。
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error, opts ...DoOption) error {
	var o doOptions
	for _, opt := range opts {
		opt(&o)
	}

	attempts := make(map[Class]int)
	backoffs := make(map[Class]*backoff.ExponentialBackOff)
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		class := p.classify(err)
		if class == ClassPermanent || (o.only != nil && !o.only[class]) {
			return err
		}
		rule := p.Rule(class)
		if attempts[class] >= rule.MaxRetries {
			return err
		}
		attempts[class]++

		var wait time.Duration
		switch class {
		case ClassAuth:
			if o.onAuth == nil {
				return err
			}
			if rerr := o.onAuth(ctx); rerr != nil {
				return err
			}
		case ClassRateLimit:
			var hint RetryAfterHint
			if errors.As(err, &hint) && hint.RetryAfter() > 0 {
				wait = hint.RetryAfter()
			} else {
				wait = p.next(backoffs, class)
			}
		default:
			wait = p.next(backoffs, class)
		}

		if o.onAttempt != nil {
			o.onAttempt(attempt, class, wait, err)
		}
		if wait > 0 {
			if serr := p.sleep(ctx, wait); serr != nil {
				return err
			}
		}
	}
}

func (p *Policy) next(backoffs map[Class]*backoff.ExponentialBackOff, class Class) time.Duration {
	b, ok := backoffs[class]
	if !ok {
		b = p.NewBackOff(class)
		backoffs[class] = b
	}
	return b.NextBackOff()
}

// DoWithData 同 Do，返回 fn 的结果
func DoWithData[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error), opts ...DoOption) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	}, opts...)
	return result, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
