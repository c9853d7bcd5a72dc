package persistence

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerService Badger KV 持久化服务。
// 单进程内共享一个 DB，多个 Store 用 key 前缀区分。
type BadgerService struct {
	db *badger.DB
}

// OpenBadger 打开（必要时创建）Badger 库
func OpenBadger(path string) (*BadgerService, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "打开 badger 失败")
	}
	return &BadgerService{db: db}, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &badgerStore{
		db:  s.db,
		key: []byte(fmt.Sprintf("%s:%s:%s", prefix, id, tag)),
	}
}

// Close 关闭底层 DB
func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type badgerStore struct {
	db  *badger.DB
	key []byte
}

func (s *badgerStore) Save(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, raw)
	})
}

func (s *badgerStore) Load(data interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotExists
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, data)
}
