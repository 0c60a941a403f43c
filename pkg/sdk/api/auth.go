package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Signer API key 签名器。nonce 严格递增，同一 key 的并发请求共享一个 Signer
type Signer struct {
	apiKey string
	secret []byte

	mu        sync.Mutex
	lastNonce int64
	now       func() time.Time
}

// NewSigner creates a signer from the API key and its base64 secret
func NewSigner(apiKey, apiSecret string) (*Signer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is empty")
	}
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(apiSecret))
	if err != nil {
		return nil, fmt.Errorf("invalid api secret: %w", err)
	}
	return &Signer{apiKey: apiKey, secret: secret, now: time.Now}, nil
}

// APIKey returns the public key sent in the API-Key header
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Nonce 毫秒时间戳，同一毫秒内多次调用顺延
func (s *Signer) Nonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixMilli()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// Sign 计算 API-Sign：HMAC-SHA512(path + SHA256(nonce + postdata), secret)
func (s *Signer) Sign(path string, form url.Values) string {
	sha := sha256.New()
	sha.Write([]byte(form.Get("nonce") + form.Encode()))
	shaSum := sha.Sum(nil)

	mac := hmac.New(sha512.New, s.secret)
	mac.Write(append([]byte(path), shaSum...))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignRequest 填入 nonce 并返回鉴权头
func (s *Signer) SignRequest(path string, form url.Values) map[string]string {
	form.Set("nonce", s.Nonce())
	return map[string]string{
		"API-Key":  s.apiKey,
		"API-Sign": s.Sign(path, form),
	}
}
