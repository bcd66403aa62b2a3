package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var outboxPrefix = []byte("outbox/")

// Outbox is a local durable queue of committed events awaiting publication.
type Outbox struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Stored is an event read back from the outbox with its key for Ack.
type Stored struct {
	Key   []byte
	Event Event
}

// OpenOutbox opens a badger store at path, or an in-memory one when path is
// empty.
func OpenOutbox(path string) (*Outbox, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	seq, err := db.GetSequence([]byte("outbox-seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox sequence: %w", err)
	}
	return &Outbox{db: db, seq: seq}, nil
}

func (o *Outbox) Append(evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	return o.db.Update(func(txn *badger.Txn) error {
		for _, ev := range evs {
			n, err := o.seq.Next()
			if err != nil {
				return err
			}
			val, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := txn.Set(outboxKey(n), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending returns up to limit events in append order.
func (o *Outbox) Pending(limit int) ([]Stored, error) {
	var out []Stored
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(outboxPrefix); it.ValidForPrefix(outboxPrefix) && len(out) < limit; it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var ev Event
			if err := json.Unmarshal(val, &ev); err != nil {
				return fmt.Errorf("decode outbox entry %x: %w", item.Key(), err)
			}
			out = append(out, Stored{Key: item.KeyCopy(nil), Event: ev})
		}
		return nil
	})
	return out, err
}

// Ack removes published entries.
func (o *Outbox) Ack(keys ...[]byte) error {
	return o.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (o *Outbox) Close() error {
	return errors.Join(o.seq.Release(), o.db.Close())
}

func outboxKey(n uint64) []byte {
	k := make([]byte, len(outboxPrefix)+8)
	copy(k, outboxPrefix)
	binary.BigEndian.PutUint64(k[len(outboxPrefix):], n)
	return k
}
