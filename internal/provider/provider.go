// Package provider defines the storage back ends that blocks are transferred
// to and from, and a registry that resolves them by kind.
//
// Back ends register themselves from an init function:
//
//	func init() { provider.Register(provider.KindBlob, open) }
//
// and are opened by kind once the configuration is validated:
//
//	p, err := provider.Open(ctx, provider.KindBlob, provider.Config{Bucket: "file:///data"})
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	qhttp "github.com/habbes/quickbyte-sub000/internal/http"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
)

// Kind names a storage back end.
type Kind string

const (
	// KindBlob stores blocks as shard objects in a gocloud.dev/blob bucket.
	KindBlob Kind = "blob"
	// KindS3 uses S3 multipart uploads through presigned part URLs.
	KindS3 Kind = "s3"
)

// ErrUnknownKind is returned for a kind nothing registered.
var ErrUnknownKind = errors.New("provider: unknown kind")

// ErrSessionGone is returned by StageBlock or Commit when the provider no
// longer knows the session, for example after it expired or was aborted.
// Blocks staged under it are lost.
var ErrSessionGone = errors.New("provider: upload session no longer exists")

// Session is an open upload on a provider. Parts holds the pre-authorized
// upload slots the provider issued, if it issues any.
type Session struct {
	ID    string
	Parts []recovery.Part
}

// Uploader stages blocks of one object and assembles them on commit.
type Uploader interface {
	// Begin opens an upload session for an object of the given size.
	Begin(ctx context.Context, key string, size, blockSize int64) (Session, error)

	// StageBlock uploads block index and returns the token the provider
	// needs to assemble it on commit.
	StageBlock(ctx context.Context, key string, sess Session, index int, data []byte) (string, error)

	// Commit assembles the object from the tokens, ordered by block index.
	Commit(ctx context.Context, key string, sess Session, tokens []string) error

	// Abort discards a session and whatever it staged.
	Abort(ctx context.Context, key string, sess Session) error
}

// Reader reads byte ranges of committed objects.
type Reader interface {
	// Size returns the size of the object.
	Size(ctx context.Context, key string) (int64, error)

	// ReadBlock returns length bytes starting at offset.
	ReadBlock(ctx context.Context, key string, offset, length int64) ([]byte, error)
}

// Provider is a storage back end.
type Provider interface {
	Uploader
	Reader
	Kind() Kind
	Close() error
}

// Config carries the settings every back end draws from.
type Config struct {
	// Bucket is a gocloud.dev/blob URL for KindBlob and a bucket name for KindS3.
	Bucket string

	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool

	// PresignExpiry is the lifetime of presigned URLs.
	// Default: 24h
	PresignExpiry time.Duration

	// HTTP is used for presigned URL traffic. A default client is created when nil.
	HTTP *qhttp.Client

	Logger *slog.Logger
}

// Factory opens a provider from cfg.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

var (
	mu        sync.RWMutex
	factories = make(map[Kind]Factory)
)

// Register makes a back end available under kind. It panics if kind is
// registered twice or factory is nil.
func Register(kind Kind, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("provider: Register factory is nil")
	}
	if _, dup := factories[kind]; dup {
		panic("provider: Register called twice for " + string(kind))
	}
	factories[kind] = factory
}

// Validate reports whether kind is registered.
func Validate(kind Kind) error {
	mu.RLock()
	defer mu.RUnlock()
	if _, ok := factories[kind]; !ok {
		return fmt.Errorf("%w %q (registered: %v)", ErrUnknownKind, kind, kindsLocked())
	}
	return nil
}

// Open opens the back end registered under kind.
func Open(ctx context.Context, kind Kind, cfg Config) (Provider, error) {
	mu.RLock()
	factory, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 24 * time.Hour
	}
	if cfg.HTTP == nil {
		opts := qhttp.DefaultOptions()
		opts.Logger = cfg.Logger
		cfg.HTTP = qhttp.NewClient(opts)
	}
	p, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", kind, err)
	}
	return p, nil
}

// Kinds returns the registered kinds in sorted order.
func Kinds() []Kind {
	mu.RLock()
	defer mu.RUnlock()
	return kindsLocked()
}

func kindsLocked() []Kind {
	out := make([]Kind, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
