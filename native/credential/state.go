package credential

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"sbtgate/storage"
)

// State is the durable store of credential records. Reads report whether a
// record was present; callers treat absent records as zero values.
type State interface {
	Config() (*Config, error)
	Reputation(id Identity) (ReputationRecord, bool, error)
	MintRecord(id Identity) (MintRecord, bool, error)
	Delegate(id Identity) (bool, bool, error)
	// Commit applies every entry of the changeset or none of them.
	Commit(cs *Changeset) error
}

// Changeset collects the writes of one operation.
type Changeset struct {
	Config     *Config
	Reputation map[Identity]ReputationRecord
	Mints      map[Identity]MintRecord
	Delegates  map[Identity]bool
}

// NewChangeset returns an empty changeset.
func NewChangeset() *Changeset {
	return &Changeset{
		Reputation: make(map[Identity]ReputationRecord),
		Mints:      make(map[Identity]MintRecord),
		Delegates:  make(map[Identity]bool),
	}
}

// Empty reports whether the changeset carries no writes.
func (cs *Changeset) Empty() bool {
	return cs == nil || (cs.Config == nil && len(cs.Reputation) == 0 && len(cs.Mints) == 0 && len(cs.Delegates) == 0)
}

var (
	configKey          = []byte("credential/config")
	reputationPrefix   = []byte("credential/rep/")
	mintPrefix         = []byte("credential/mint/")
	delegatePrefix     = []byte("credential/delegate/")
	errNilDatabase     = errors.New("credential: database not configured")
	errCorruptedRecord = errors.New("credential: corrupted record")
)

func reputationKey(id Identity) []byte {
	return []byte(fmt.Sprintf("%s%x", reputationPrefix, id[:]))
}

func mintKey(id Identity) []byte {
	return []byte(fmt.Sprintf("%s%x", mintPrefix, id[:]))
}

func delegateKey(id Identity) []byte {
	return []byte(fmt.Sprintf("%s%x", delegatePrefix, id[:]))
}

type storedDelegate struct {
	Approved bool
}

// KVState persists credential records as RLP values in a key-value database.
type KVState struct {
	db storage.Database
}

// NewKVState binds a state store to db.
func NewKVState(db storage.Database) *KVState {
	return &KVState{db: db}
}

func (s *KVState) get(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilDatabase
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("%w: %s: %v", errCorruptedRecord, key, err)
	}
	return true, nil
}

// Config returns the bootstrap configuration or nil before bootstrap.
func (s *KVState) Config() (*Config, error) {
	var cfg Config
	ok, err := s.get(configKey, &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// Reputation returns the reputation record for id.
func (s *KVState) Reputation(id Identity) (ReputationRecord, bool, error) {
	var rec ReputationRecord
	ok, err := s.get(reputationKey(id), &rec)
	if err != nil {
		return ReputationRecord{}, false, err
	}
	return rec, ok, nil
}

// MintRecord returns the mint record for id.
func (s *KVState) MintRecord(id Identity) (MintRecord, bool, error) {
	var rec MintRecord
	ok, err := s.get(mintKey(id), &rec)
	if err != nil {
		return MintRecord{}, false, err
	}
	return rec, ok, nil
}

// Delegate returns whether id is an approved delegate.
func (s *KVState) Delegate(id Identity) (bool, bool, error) {
	var rec storedDelegate
	ok, err := s.get(delegateKey(id), &rec)
	if err != nil {
		return false, false, err
	}
	return rec.Approved, ok, nil
}

// Commit encodes the changeset into a single database batch.
func (s *KVState) Commit(cs *Changeset) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	if cs.Empty() {
		return nil
	}
	batch := storage.NewBatch()
	put := func(key []byte, value interface{}) error {
		encoded, err := rlp.EncodeToBytes(value)
		if err != nil {
			return err
		}
		batch.Put(key, encoded)
		return nil
	}
	if cs.Config != nil {
		if err := put(configKey, cs.Config); err != nil {
			return err
		}
	}
	for id, rec := range cs.Reputation {
		if err := put(reputationKey(id), &rec); err != nil {
			return err
		}
	}
	for id, rec := range cs.Mints {
		if err := put(mintKey(id), &rec); err != nil {
			return err
		}
	}
	for id, approved := range cs.Delegates {
		if err := put(delegateKey(id), &storedDelegate{Approved: approved}); err != nil {
			return err
		}
	}
	if err := s.db.Write(batch); err != nil {
		return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return nil
}
