package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/swarm/pkg/codec"
	bolt "go.etcd.io/bbolt"
)

// Bolt stores every object log in its own bucket of a bbolt file.
type Bolt struct {
	codec codec.Codec
	db    *bolt.DB
}

// OpenBolt opens, or creates, the database at path.
func OpenBolt(path string, c codec.Codec) (*Bolt, error) {
	if c == nil {
		c = codec.JSON{}
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open %s: %w", path, err)
	}
	return &Bolt{codec: c, db: db}, nil
}

func (b *Bolt) Load(typeid string) (map[string]any, error) {
	var ret map[string]any
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(typeid))
		if bucket == nil {
			return nil
		}
		ret = make(map[string]any)
		return bucket.ForEach(func(key, frame []byte) error {
			value, err := decodeEntry(b.codec, frame)
			if err != nil {
				return fmt.Errorf("storage: %s%s: %w", typeid, key, err)
			}
			ret[string(key)] = value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (b *Bolt) Append(typeid string, entries map[string]any) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(typeid))
		if err != nil {
			return err
		}
		return b.put(bucket, entries)
	})
}

func (b *Bolt) Replace(typeid string, entries map[string]any) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(typeid))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(typeid))
		if err != nil {
			return err
		}
		return b.put(bucket, entries)
	})
}

func (b *Bolt) put(bucket *bolt.Bucket, entries map[string]any) error {
	for key, value := range entries {
		frame, err := encodeEntry(b.codec, value)
		if err != nil {
			return fmt.Errorf("storage: %s: %w", key, err)
		}
		if err := bucket.Put([]byte(key), frame); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
