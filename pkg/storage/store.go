package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// ErrNotFound is returned when a stream or node row does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable stream and node state.
// It is implemented by BoltStore and SQLiteStore.
type Store interface {
	// Streams
	CreateStream(ctx context.Context, stream *types.Stream) error
	GetStream(ctx context.Context, id int64) (*types.Stream, error)
	ListStreams(ctx context.Context) ([]*types.Stream, error)
	ListStreamsByNode(ctx context.Context, nodeID int64) ([]*types.Stream, error)
	ListStreamsByStatus(ctx context.Context, statuses ...types.StreamStatus) ([]*types.Stream, error)
	UpdateStream(ctx context.Context, stream *types.Stream) error
	DeleteStream(ctx context.Context, id int64) error

	// Nodes
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id int64) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) error
	DeleteNode(ctx context.Context, id int64) error

	// View runs fn in a read-only transaction
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction. Returning an error from fn
	// rolls back every write made through tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Utility
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the row-level view of a single transaction. Put methods upsert and
// assign an id when the row's ID is zero.
type Tx interface {
	GetStream(id int64) (*types.Stream, error)
	ListStreams() ([]*types.Stream, error)
	PutStream(stream *types.Stream) error
	DeleteStream(id int64) error

	GetNode(id int64) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	PutNode(node *types.Node) error
	DeleteNode(id int64) error
}

type txRunner interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// rows implements the Store CRUD methods on top of a backend's transactions
type rows struct {
	r txRunner
}

func (s rows) CreateStream(ctx context.Context, stream *types.Stream) error {
	return s.r.Update(ctx, func(tx Tx) error { return tx.PutStream(stream) })
}

func (s rows) GetStream(ctx context.Context, id int64) (*types.Stream, error) {
	var stream *types.Stream
	err := s.r.View(ctx, func(tx Tx) error {
		var err error
		stream, err = tx.GetStream(id)
		return err
	})
	return stream, err
}

func (s rows) ListStreams(ctx context.Context) ([]*types.Stream, error) {
	var streams []*types.Stream
	err := s.r.View(ctx, func(tx Tx) error {
		var err error
		streams, err = tx.ListStreams()
		return err
	})
	return streams, err
}

func (s rows) ListStreamsByNode(ctx context.Context, nodeID int64) ([]*types.Stream, error) {
	all, err := s.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	var streams []*types.Stream
	for _, st := range all {
		if st.AssignedTo(nodeID) {
			streams = append(streams, st)
		}
	}
	return streams, nil
}

func (s rows) ListStreamsByStatus(ctx context.Context, statuses ...types.StreamStatus) ([]*types.Stream, error) {
	all, err := s.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	var streams []*types.Stream
	for _, st := range all {
		for _, want := range statuses {
			if st.Status == want {
				streams = append(streams, st)
				break
			}
		}
	}
	return streams, nil
}

func (s rows) UpdateStream(ctx context.Context, stream *types.Stream) error {
	return s.CreateStream(ctx, stream) // Same as create (upsert)
}

func (s rows) DeleteStream(ctx context.Context, id int64) error {
	return s.r.Update(ctx, func(tx Tx) error { return tx.DeleteStream(id) })
}

func (s rows) CreateNode(ctx context.Context, node *types.Node) error {
	return s.r.Update(ctx, func(tx Tx) error { return tx.PutNode(node) })
}

func (s rows) GetNode(ctx context.Context, id int64) (*types.Node, error) {
	var node *types.Node
	err := s.r.View(ctx, func(tx Tx) error {
		var err error
		node, err = tx.GetNode(id)
		return err
	})
	return node, err
}

func (s rows) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.r.View(ctx, func(tx Tx) error {
		var err error
		nodes, err = tx.ListNodes()
		return err
	})
	return nodes, err
}

func (s rows) UpdateNode(ctx context.Context, node *types.Node) error {
	return s.CreateNode(ctx, node)
}

func (s rows) DeleteNode(ctx context.Context, id int64) error {
	return s.r.Update(ctx, func(tx Tx) error { return tx.DeleteNode(id) })
}

func sortStreams(streams []*types.Stream) {
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
}

func sortNodes(nodes []*types.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
