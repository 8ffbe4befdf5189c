package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	bedrock "github.com/yirzhou/bedrock"
)

const metadataKeyPrefix = "job-meta:"

// BedrockMetadataStore keeps JobMetadata in an embedded Bedrock KV store.
type BedrockMetadataStore struct {
	db    *bedrock.KVStore
	owned bool

	// Serializes read-modify-write transactions, as GetForUpdate alone does
	// not order two updates of the same record.
	mu sync.Mutex
}

// OpenBedrockMetadataStore opens (or creates) a Bedrock store under dir.
func OpenBedrockMetadataStore(dir string) (*BedrockMetadataStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: bedrock metadata store needs a directory", ErrConfig)
	}
	db, err := bedrock.Open(bedrock.NewDefaultConfiguration().WithBaseDir(dir))
	if err != nil {
		return nil, fmt.Errorf("open bedrock store %s: %w", dir, err)
	}
	return &BedrockMetadataStore{db: db, owned: true}, nil
}

// NewBedrockMetadataStore uses an already open store. Close leaves it open.
func NewBedrockMetadataStore(db *bedrock.KVStore) *BedrockMetadataStore {
	return &BedrockMetadataStore{db: db}
}

func metadataKey(id string) []byte {
	return []byte(metadataKeyPrefix + id)
}

// Save writes meta in its own transaction.
func (s *BedrockMetadataStore) Save(_ context.Context, meta *JobMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.BeginTransaction()
	if err := txn.Put(metadataKey(meta.ID), data); err != nil {
		txn.Rollback()
		return fmt.Errorf("save job metadata %q: %w", meta.ID, err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("save job metadata %q: %w", meta.ID, err)
	}
	return nil
}

// Get reads the committed record for id.
func (s *BedrockMetadataStore) Get(_ context.Context, id string) (*JobMetadata, error) {
	txn := s.db.BeginTransaction()
	data, found := txn.Get(metadataKey(id))
	txn.Rollback()
	if !found {
		return nil, fmt.Errorf("job metadata %q: %w", id, ErrNotFound)
	}
	meta := &JobMetadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("decode job metadata %q: %w", id, err)
	}
	return meta, nil
}

// Update locks the record with GetForUpdate, applies fn and commits. Any error
// rolls the transaction back and leaves the stored record untouched.
func (s *BedrockMetadataStore) Update(_ context.Context, id string, fn func(*JobMetadata) error) (*JobMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.BeginTransaction()
	data, found := txn.GetForUpdate(metadataKey(id))
	if !found {
		txn.Rollback()
		return nil, fmt.Errorf("job metadata %q: %w", id, ErrNotFound)
	}

	meta := &JobMetadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		txn.Rollback()
		return nil, fmt.Errorf("decode job metadata %q: %w", id, err)
	}
	if err := fn(meta); err != nil {
		txn.Rollback()
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		txn.Rollback()
		return nil, err
	}

	updated, err := json.Marshal(meta)
	if err != nil {
		txn.Rollback()
		return nil, err
	}
	if err := txn.Put(metadataKey(id), updated); err != nil {
		txn.Rollback()
		return nil, fmt.Errorf("update job metadata %q: %w", id, err)
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("update job metadata %q: %w", id, err)
	}
	return meta, nil
}

// Close closes the store if it was opened by OpenBedrockMetadataStore.
func (s *BedrockMetadataStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
