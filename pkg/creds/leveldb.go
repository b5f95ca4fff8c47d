package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const preConnector = "connector:"

// LevelDBStore persists connector entries in a local leveldb database,
// filling the role the original system gave its sqlite connector db.
type LevelDBStore struct {
	db *leveldb.DB
}

// Open opens (or creates) the store at dbpath, recovering a database left
// in a dirty state by a previous crash.
func Open(dbpath string) (*LevelDBStore, error) {
	var db *leveldb.DB
	var err error
	if _, serr := os.Stat(dbpath); serr == nil || os.IsExist(serr) {
		db, err = leveldb.RecoverFile(dbpath, nil)
	} else {
		db, err = leveldb.OpenFile(dbpath, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creds: open %s: %w", dbpath, err)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenInMemory opens an ephemeral store backed by in-memory storage.
func OpenInMemory() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func key(hostname string) []byte { return []byte(preConnector + hostname) }

func (s *LevelDBStore) Lookup(hostname string) (Entry, error) {
	b, err := s.db.Get(key(hostname), nil)
	if err == ldberrors.ErrNotFound {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("creds: corrupt entry for %s: %w", hostname, err)
	}
	return e, nil
}

func (s *LevelDBStore) Put(e Entry) error {
	if e.Hostname == "" {
		return fmt.Errorf("creds: entry without hostname")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put(key(e.Hostname), b, nil)
}

func (s *LevelDBStore) Delete(hostname string) error {
	return s.db.Delete(key(hostname), nil)
}

func (s *LevelDBStore) List() ([]Entry, error) {
	var out []Entry
	iter := s.db.NewIterator(util.BytesPrefix([]byte(preConnector)), nil)
	defer iter.Release()
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }
