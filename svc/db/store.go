package db

import (
	"context"
	"regexp"

	"cipherbin/pkg/domain"

	"github.com/pkg/errors"
)

const (
	NamespaceSalt           = "salt"
	NamespacePurgeLimiter   = "purge_limiter"
	NamespaceTrafficLimiter = "traffic_limiter"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidNamespace = errors.New("invalid config namespace")
)

var idPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// ValidID reports whether id is a 16 character lowercase hex string, the
// only shape any backend will accept as a key.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ConfigStore holds small string values keyed by namespace and key.
// GetValue returns "" for missing entries.
type ConfigStore interface {
	SetValue(ctx context.Context, value, namespace, key string) error
	GetValue(ctx context.Context, namespace, key string) (string, error)
	// PurgeValues drops entries of namespace whose numeric value is below
	// cutoff. It is a no-op for the salt namespace.
	PurgeValues(ctx context.Context, namespace string, cutoff int64) error
	Ping(ctx context.Context) error
	Close() error
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Store is implemented by every paste backend. Create and CreateComment
// return ErrExists instead of overwriting, Read returns ErrNotFound for
// missing and expired pastes, and Delete is a no-op for missing pastes.
type Store interface {
	ConfigStore
	Create(ctx context.Context, id string, p *domain.Paste) error
	Read(ctx context.Context, id string) (*domain.Paste, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error
	ReadComments(ctx context.Context, pasteID string) ([]domain.Comment, error)
	ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error)
	GetAllPasteIDs(ctx context.Context) ([]string, error)
	PurgeExpired(ctx context.Context, batchSize int) ([]string, error)
}

func validNamespace(ns string) bool {
	switch ns {
	case NamespaceSalt, NamespacePurgeLimiter, NamespaceTrafficLimiter:
		return true
	}
	return false
}

func validCommentKey(pasteID, parentID, commentID string) bool {
	return ValidID(pasteID) && ValidID(parentID) && ValidID(commentID)
}
