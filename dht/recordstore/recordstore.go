// Package recordstore persists DHT records in LevelDB. Each node hosts the
// records it wrote itself plus the ones replicated to it by other nodes, so a
// record survives process restarts of its author's neighbors.
package recordstore

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const keyPrefixRecord = "REC" // Followed by the textual record key

var ErrNotFound = errors.New("record not found")

// Record is a stored value with its store-level version. On concurrent
// writes for the same key the greatest Ts wins.
type Record struct {
	Value []byte `cbor:"1,keyasint"`
	Ts    uint64 `cbor:"2,keyasint"`
}

type Store struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func dbKey(key string) []byte {
	return append([]byte(keyPrefixRecord), []byte(key)...)
}

func Open(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if ldberrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened record store at %s", path)

	return &Store{
		path: path,
		db:   db,
	}, nil
}

// Put stores the record unless a newer one for the same key already exists.
// Returns whether the stored state changed.
func (s *Store) Put(key string, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil && existing.Ts >= rec.Ts {
		return false, nil
	}

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return false, err
	}

	if err := s.db.Put(dbKey(key), raw, nil); err != nil {
		return false, err
	}

	return true, nil
}

// Get retrieves the record stored for key, or ErrNotFound.
func (s *Store) Get(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (*Record, error) {
	raw, err := s.db.Get(dbKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// Keys enumerates all stored record keys.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string

	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefixRecord)), nil)
	defer iter.Release()

	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(keyPrefixRecord):]))
	}

	return keys, iter.Error()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
