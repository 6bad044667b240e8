package svc

import (
	"context"
	"sync"

	"cipherbin/svc/db"
	"cipherbin/svc/util"

	"github.com/pkg/errors"
)

const saltBytes = 256

// ServerSalt is the persisted secret keying client address hashes and
// deletion tokens of pastes written without a per-paste salt. It is created
// on first use and cached afterwards.
type ServerSalt struct {
	store db.ConfigStore
	mu    sync.Mutex
	value string
}

func NewServerSalt(store db.ConfigStore) *ServerSalt {
	return &ServerSalt{store: store}
}

func (s *ServerSalt) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}
	v, err := s.store.GetValue(ctx, db.NamespaceSalt, "")
	if err != nil {
		return "", errors.Wrap(err, "read server salt")
	}
	if v == "" {
		v, err = util.RandomHex(saltBytes)
		if err != nil {
			return "", errors.Wrap(err, "generate server salt")
		}
		if err := s.store.SetValue(ctx, v, db.NamespaceSalt, ""); err != nil {
			return "", errors.Wrap(err, "store server salt")
		}
		// another instance may have written its own salt meanwhile; the
		// stored one is what every instance will read from now on
		stored, err := s.store.GetValue(ctx, db.NamespaceSalt, "")
		if err != nil {
			return "", errors.Wrap(err, "re-read server salt")
		}
		if stored == "" {
			return "", errors.New("server salt vanished after write")
		}
		if stored != v {
			util.Warn().Msg("server salt was written concurrently, using the stored one")
		} else {
			util.Info().Msg("generated new server salt")
		}
		v = stored
	}
	s.value = v
	return v, nil
}

// MigrateSalt copies the server salt from one ConfigStore into another so
// that address hashes and legacy deletion tokens stay valid after switching
// backends. A salt already present in to is kept.
func MigrateSalt(ctx context.Context, from, to db.ConfigStore) (bool, error) {
	v, err := from.GetValue(ctx, db.NamespaceSalt, "")
	if err != nil {
		return false, errors.Wrap(err, "read source salt")
	}
	if v == "" {
		return false, nil
	}
	existing, err := to.GetValue(ctx, db.NamespaceSalt, "")
	if err != nil {
		return false, errors.Wrap(err, "read target salt")
	}
	if existing != "" {
		if existing != v {
			util.Warn().Msg("target store already has a different server salt, not overwriting")
		}
		return false, nil
	}
	if err := to.SetValue(ctx, v, db.NamespaceSalt, ""); err != nil {
		return false, errors.Wrap(err, "write target salt")
	}
	return true, nil
}
