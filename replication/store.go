package replication

import (
	"context"
	stderrors "errors"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/natsclient"
)

// DefaultBucket is the key-value bucket holding replicas
const DefaultBucket = "attrstream_replicas"

// KV is the key-value surface used by Store.
// *natsclient.KVStore implements it.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Store keeps the latest replica of each resource in a key-value bucket
// so a member taking over a resource can restore it.
type Store struct {
	kv          KV
	compression Compression
}

// NewStore creates a store writing with compression c
func NewStore(kv KV, c Compression) *Store {
	return &Store{kv: kv, compression: c}
}

// Save encodes r under resource and returns the bucket revision
func (s *Store) Save(ctx context.Context, resource string, r *Replica) (uint64, error) {
	data, err := Marshal(r, s.compression)
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Put(ctx, resource, data)
	if err != nil {
		return 0, errors.Wrap(err, "Store", "Save", "store replica of "+resource)
	}
	return rev, nil
}

// Load returns the latest replica of resource. A resource without a saved
// replica yields errors.ErrKeyNotFound.
func (s *Store) Load(ctx context.Context, resource string) (*Replica, uint64, error) {
	entry, err := s.kv.Get(ctx, resource)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, 0, errors.WrapInvalid(errors.ErrKeyNotFound, "Store", "Load", "load replica of "+resource)
		}
		return nil, 0, errors.Wrap(err, "Store", "Load", "load replica of "+resource)
	}
	r, err := Unmarshal(entry.Value)
	if err != nil {
		return nil, 0, err
	}
	return r, entry.Revision, nil
}
