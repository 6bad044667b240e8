package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"cipherbin/pkg/domain"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	pasteBucket   = []byte("paste")
	commentBucket = []byte("comment")
	configBucket  = []byte("config")
	expireBucket  = []byte("expire")
)

// Bolt keeps everything in a single bbolt file. Comments live in a nested
// bucket per paste, keyed parentid+commentid; the expire bucket indexes
// pastes by big endian expire_date so purges walk it in order.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pasteBucket, commentBucket, configBucket, expireBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create %s bucket", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func expireKey(expire int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(expire))
	copy(key[8:], id)
	return key
}

func configKey(namespace, key string) []byte {
	return []byte(namespace + "\x00" + key)
}

func (b *Bolt) Create(ctx context.Context, id string, p *domain.Paste) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		pastes := tx.Bucket(pasteBucket)
		if pastes.Get([]byte(id)) != nil {
			return ErrExists
		}
		if err := pastes.Put([]byte(id), data); err != nil {
			return errors.Wrap(err, "save paste")
		}
		if p.Meta.ExpireDate > 0 {
			if err := tx.Bucket(expireBucket).Put(expireKey(p.Meta.ExpireDate, id), []byte(id)); err != nil {
				return errors.Wrap(err, "index expiry")
			}
		}
		return nil
	})
}

func (b *Bolt) Read(ctx context.Context, id string) (*domain.Paste, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p domain.Paste
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(pasteBucket).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return errors.Wrap(json.Unmarshal(raw, &p), "unmarshal paste")
	})
	if err != nil {
		return nil, err
	}
	if p.Expired(b.now()) {
		return nil, ErrNotFound
	}
	return domain.UpgradeLegacy(&p), nil
}

func (b *Bolt) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		pastes := tx.Bucket(pasteBucket)
		raw := pastes.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var p domain.Paste
		if err := json.Unmarshal(raw, &p); err == nil && p.Meta.ExpireDate > 0 {
			if err := tx.Bucket(expireBucket).Delete(expireKey(p.Meta.ExpireDate, id)); err != nil {
				return errors.Wrap(err, "delete expiry index")
			}
		}
		if err := pastes.Delete([]byte(id)); err != nil {
			return errors.Wrap(err, "delete paste")
		}
		comments := tx.Bucket(commentBucket)
		if comments.Bucket([]byte(id)) != nil {
			if err := comments.DeleteBucket([]byte(id)); err != nil {
				return errors.Wrap(err, "delete comments")
			}
		}
		return nil
	})
}

func (b *Bolt) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(pasteBucket).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	if !validCommentKey(pasteID, parentID, commentID) {
		return ErrInvalidID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(c.Payload())
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(commentBucket).CreateBucketIfNotExists([]byte(pasteID))
		if err != nil {
			return errors.Wrap(err, "create discussion bucket")
		}
		key := []byte(parentID + commentID)
		if bucket.Get(key) != nil {
			return ErrExists
		}
		return errors.Wrap(bucket.Put(key, data), "save comment")
	})
}

func (b *Bolt) ReadComments(ctx context.Context, pasteID string) ([]domain.Comment, error) {
	if !ValidID(pasteID) {
		return nil, nil
	}
	var comments []domain.Comment
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(commentBucket).Bucket([]byte(pasteID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != 32 {
				return nil
			}
			var c domain.Comment
			if err := json.Unmarshal(v, &c); err != nil {
				return errors.Wrap(err, "unmarshal comment")
			}
			c.ParentID = string(k[:16])
			c.ID = string(k[16:])
			comments = append(comments, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return orderComments(comments), nil
}

func (b *Bolt) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	if !validCommentKey(pasteID, parentID, commentID) {
		return false, nil
	}
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(commentBucket).Bucket([]byte(pasteID))
		found = bucket != nil && bucket.Get([]byte(parentID+commentID)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) GetAllPasteIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pasteBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// PurgeExpired walks the expiry index from the oldest entry.
func (b *Bolt) PurgeExpired(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	cutoff := uint64(b.now().Unix())
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(expireBucket).Cursor()
		for k, v := c.First(); k != nil && len(ids) < batchSize; k, v = c.Next() {
			if len(k) < 8 || binary.BigEndian.Uint64(k[:8]) >= cutoff {
				break
			}
			ids = append(ids, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan expiry index")
	}
	return purgeIDs(ctx, ids, b.Delete), nil
}

func (b *Bolt) SetValue(ctx context.Context, value, namespace, key string) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrap(tx.Bucket(configBucket).Put(configKey(namespace, key), []byte(value)), "set value")
	})
}

func (b *Bolt) GetValue(ctx context.Context, namespace, key string) (string, error) {
	if !validNamespace(namespace) {
		return "", ErrInvalidNamespace
	}
	var v string
	err := b.db.View(func(tx *bolt.Tx) error {
		v = string(tx.Bucket(configBucket).Get(configKey(namespace, key)))
		return nil
	})
	return v, err
}

func (b *Bolt) PurgeValues(ctx context.Context, namespace string, cutoff int64) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	if namespace == NamespaceSalt {
		return nil
	}
	prefix := configKey(namespace, "")
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(configBucket)
		var stale [][]byte
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if n, ok := parseUnix(string(v)); ok && n < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return errors.Wrap(err, "purge value")
			}
		}
		return nil
	})
}

func (b *Bolt) Name() string { return "bolt" }

func (b *Bolt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pasteBucket) == nil {
			return errors.New("paste bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
