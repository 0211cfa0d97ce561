package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketStreams = []byte("streams")
	bucketNodes   = []byte("nodes")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	rows
	db     *bolt.DB
	sealer Sealer
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ezstream.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStreams, bucketNodes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	s.rows = rows{r: s}
	return s, nil
}

// SetSealer seals node credentials on write and opens them on read. Call
// before first use.
func (s *BoltStore) SetSealer(sealer Sealer) {
	s.sealer = sealer
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still readable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.View(ctx, func(Tx) error { return nil })
}

// View runs fn in a read-only bolt transaction
func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, sealer: s.sealer})
	})
}

// Update runs fn in a read-write bolt transaction. Bolt serializes writers,
// so a read followed by a write inside fn is an atomic compare-and-write.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, sealer: s.sealer})
	})
}

type boltTx struct {
	tx     *bolt.Tx
	sealer Sealer
}

// Stream operations
func (t *boltTx) GetStream(id int64) (*types.Stream, error) {
	var stream types.Stream
	data := t.tx.Bucket(bucketStreams).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("stream %d: %w", id, ErrNotFound)
	}
	if err := json.Unmarshal(data, &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

func (t *boltTx) ListStreams() ([]*types.Stream, error) {
	var streams []*types.Stream
	err := t.tx.Bucket(bucketStreams).ForEach(func(k, v []byte) error {
		var stream types.Stream
		if err := json.Unmarshal(v, &stream); err != nil {
			return err
		}
		streams = append(streams, &stream)
		return nil
	})
	sortStreams(streams)
	return streams, err
}

func (t *boltTx) PutStream(stream *types.Stream) error {
	b := t.tx.Bucket(bucketStreams)
	if stream.ID == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		stream.ID = int64(seq)
	} else if uint64(stream.ID) > b.Sequence() {
		if err := b.SetSequence(uint64(stream.ID)); err != nil {
			return err
		}
	}
	stamp(&stream.CreatedAt, &stream.UpdatedAt)

	data, err := json.Marshal(stream)
	if err != nil {
		return err
	}
	return b.Put(itob(stream.ID), data)
}

func (t *boltTx) DeleteStream(id int64) error {
	return t.tx.Bucket(bucketStreams).Delete(itob(id))
}

// Node operations
func (t *boltTx) GetNode(id int64) (*types.Node, error) {
	data := t.tx.Bucket(bucketNodes).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return decodeNode(data, t.sealer)
}

func (t *boltTx) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := t.tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
		node, err := decodeNode(v, t.sealer)
		if err != nil {
			return err
		}
		nodes = append(nodes, node)
		return nil
	})
	sortNodes(nodes)
	return nodes, err
}

func (t *boltTx) PutNode(node *types.Node) error {
	b := t.tx.Bucket(bucketNodes)
	if node.ID == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		node.ID = int64(seq)
	} else if uint64(node.ID) > b.Sequence() {
		if err := b.SetSequence(uint64(node.ID)); err != nil {
			return err
		}
	}
	stamp(&node.CreatedAt, &node.UpdatedAt)

	data, err := encodeNode(node, t.sealer)
	if err != nil {
		return err
	}
	return b.Put(itob(node.ID), data)
}

func (t *boltTx) DeleteNode(id int64) error {
	return t.tx.Bucket(bucketNodes).Delete(itob(id))
}

// itob encodes an id as big-endian so bolt iterates in id order
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}
