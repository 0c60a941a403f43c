// Package persistence 提供按 key 保存 JSON 值的小型存储，
// 状态存储的余额快照和未完成的下单意图都通过它跨进程重启保留。
package persistence

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "persistence")

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id, tag string) Store
	Close() error
}

// Store 单个 key 的存储
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Delete() error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence data not exists")

// Backend 持久化后端
type Backend string

const (
	BackendBadger Backend = "badger"
	BackendJSON   Backend = "json"
)

// Open 按后端打开持久化服务。dir 为 badger 数据目录或 json 文件目录
func Open(backend Backend, dir string) (Service, error) {
	switch Backend(strings.ToLower(string(backend))) {
	case BackendBadger, "":
		db, err := OpenBadger(BadgerOptions{Path: dir})
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendJSON:
		files, err := NewJSONFileService(dir)
		if err != nil {
			return nil, err
		}
		return files, nil
	default:
		return nil, errors.Errorf("persistence: unknown backend %q", backend)
	}
}

func storeKey(prefix, id, tag string) string {
	return prefix + ":" + id + ":" + tag
}
