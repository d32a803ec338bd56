// Package resume is an optional side-cache for torrent piece bitfields,
// kept separate from the PersistentStore because verify-existing can
// always rebuild a bitfield from disk; this cache only saves the cost of
// a full re-hash on a normal restart. Grounded on the teacher's own
// boltdb-backed session store in session/session.go.
package resume

import (
	"time"

	"github.com/boltdb/bolt"

	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
)

var torrentsBucket = []byte("torrents")

var log = logger.New("resume")

// Cache stores one bitfield per info hash in a boltdb file.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens the bolt database at path, creating the top
// level bucket if needed.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, model.Storage(model.StorageIO, path, "resume cache is locked by another process")
	}
	if err != nil {
		return nil, model.Storage(model.StorageIO, path, "open resume cache: %s", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, model.Storage(model.StorageIO, path, "create bucket: %s", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the bolt database file.
func (c *Cache) Close() error { return c.db.Close() }

// Put stores bf as the last-known bitfield for infoHash.
func (c *Cache) Put(infoHash [20]byte, bf []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).Put(infoHash[:], bf)
	})
	if err != nil {
		return model.Storage(model.StorageIO, "", "put bitfield: %s", err)
	}
	return nil
}

// Get returns the last-known bitfield for infoHash, or ok=false if none
// was cached.
func (c *Cache) Get(infoHash [20]byte) (bf []byte, ok bool, err error) {
	txErr := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(torrentsBucket).Get(infoHash[:])
		if v == nil {
			return nil
		}
		bf = make([]byte, len(v))
		copy(bf, v)
		ok = true
		return nil
	})
	if txErr != nil {
		return nil, false, model.Storage(model.StorageIO, "", "get bitfield: %s", txErr)
	}
	return bf, ok, nil
}

// Delete removes a cached bitfield, e.g. when a torrent is canceled.
func (c *Cache) Delete(infoHash [20]byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).Delete(infoHash[:])
	})
	if err != nil {
		return model.Storage(model.StorageIO, "", "delete bitfield: %s", err)
	}
	log.Debugf("evicted cached bitfield for %x", infoHash)
	return nil
}
