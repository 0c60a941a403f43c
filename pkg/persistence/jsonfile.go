package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// JSONFileService 每个 key 一个 JSON 文件，适合单机调试时直接查看状态
type JSONFileService struct {
	dir string
	mu  sync.Mutex
}

// NewJSONFileService 创建目录（若不存在）并返回服务
func NewJSONFileService(dir string) (*JSONFileService, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("persistence: json dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "persistence: create json dir")
	}
	return &JSONFileService{dir: dir}, nil
}

// NewStore 创建新的存储
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	return &jsonFileStore{svc: s, key: storeKey(prefix, id, tag)}
}

// Close 文件后端无需释放资源
func (s *JSONFileService) Close() error { return nil }

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

type jsonFileStore struct {
	svc *JSONFileService
	key string
}

func (s *jsonFileStore) path() string {
	return filepath.Join(s.svc.dir, unsafeFileChars.ReplaceAllString(s.key, "_")+".json")
}

// Save 先写临时文件再 rename，崩溃时不会留下半个文件
func (s *jsonFileStore) Save(data interface{}) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "persistence: encode %s", s.key)
	}
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()

	tmp, err := os.CreateTemp(s.svc.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "persistence: create temp file")
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "persistence: write %s", s.key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "persistence: write %s", s.key)
	}
	log.Debugf("保存 %s (%d bytes)", s.key, len(b))
	return os.Rename(tmp.Name(), s.path())
}

func (s *jsonFileStore) Load(data interface{}) error {
	s.svc.mu.Lock()
	b, err := os.ReadFile(s.path())
	s.svc.mu.Unlock()
	if os.IsNotExist(err) || (err == nil && len(b) == 0) {
		return ErrNotExists
	}
	if err != nil {
		return errors.Wrapf(err, "persistence: read %s", s.key)
	}
	return errors.Wrapf(json.Unmarshal(b, data), "persistence: decode %s", s.key)
}

// Delete 不存在时不报错
func (s *jsonFileStore) Delete() error {
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "persistence: delete %s", s.key)
	}
	return nil
}
