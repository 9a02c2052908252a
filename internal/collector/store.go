package collector

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key: "r/" + 8 byte big endian receive unix nanos + "/" + 4 byte seq
var (
	readingKeyPrefix = []byte("r/")
	readingRange     = util.BytesPrefix(readingKeyPrefix)
)

const readingKeyLen = 2 + 8 + 1 + 4

type Store struct {
	db  *leveldb.DB
	seq uint32
	wo  opt.WriteOptions
}

// OpenStore on disk, path=="" means memory, for tests and throwaway runs.
func OpenStore(path string) (*Store, error) {
	o := &opt.Options{
		Strict: opt.StrictJournalChecksum | opt.StrictBlockChecksum,
	}
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		db, err = leveldb.OpenFile(path, o)
		if leveldb_errors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, o)
		}
	}
	if err != nil {
		return nil, errors.Annotatef(err, "leveldb open path=%s", path)
	}
	return &Store{db: db}, nil
}

func (self *Store) Close() error { return self.db.Close() }

func readingKey(t time.Time, seq uint32) []byte {
	k := make([]byte, 0, readingKeyLen)
	k = append(k, readingKeyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(t.UnixNano()))
	k = append(k, '/')
	k = binary.BigEndian.AppendUint32(k, seq)
	return k
}

func (self *Store) Put(r *Reading) error {
	b, err := r.encode()
	if err != nil {
		return err
	}
	k := readingKey(r.Received, atomic.AddUint32(&self.seq, 1))
	return errors.Annotate(self.db.Put(k, b, &self.wo), "store put")
}

// Latest returns NotFound error on empty store.
func (self *Store) Latest() (*Reading, error) {
	iter := self.db.NewIterator(readingRange, nil)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, errors.Annotate(err, "store latest")
		}
		return nil, errors.NotFoundf("reading")
	}
	return decodeReading(iter.Value())
}

// Since returns readings received at or after t, oldest first.
func (self *Store) Since(t time.Time) ([]*Reading, error) {
	rng := &util.Range{Start: readingKey(t, 0), Limit: readingRange.Limit}
	iter := self.db.NewIterator(rng, nil)
	defer iter.Release()
	rs := make([]*Reading, 0, 64)
	for iter.Next() {
		r, err := decodeReading(iter.Value())
		if err != nil {
			return nil, errors.Annotatef(err, "key=%x", iter.Key())
		}
		rs = append(rs, r)
	}
	return rs, errors.Annotate(iter.Error(), "store since")
}
