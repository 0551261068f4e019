// Package s3 stores entities as objects in an S3-compatible bucket (AWS S3 or MinIO).
//
// Object ETags serve as versions and conditional requests (If-Match, If-None-Match) guard
// every versioned write. S3 has no multi-object transactions, so commits lock the touched
// keys, verify every first-touch version, then apply the writes one by one. A writer that
// bypasses the lock can still make a commit fail halfway; such commits report a conflict
// and the writes already applied stay in place.
package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aretw0/keystone/internal/keylock"
	"github.com/aretw0/keystone/internal/logging"
	"github.com/aretw0/keystone/internal/staging"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/ports"
	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

const maxAllocateAttempts = 16

// Config holds the connection parameters. Empty credentials fall back to the default
// AWS credentials chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, e.g. MinIO
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// Backend implements ports.Backend on an S3 bucket.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	txns   *staging.Table
	locks  *keylock.Map
	logger *slog.Logger
}

type options struct {
	prefix string
	locker ports.DistributedLocker
	logger *slog.Logger
}

// Option configures the Backend.
type Option func(*options)

// WithPrefix sets the object key prefix (default "keystone/").
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithLocker coordinates commits across processes. Without it, commits are only
// serialized within this process.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(o *options) { o.locker = locker }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewFromClient(client, cfg.Bucket, opts...), nil
}

// NewFromClient uses an existing client.
func NewFromClient(client *s3.Client, bucket string, opts ...Option) *Backend {
	o := options{prefix: "keystone/", logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	lockOpts := []keylock.Option{keylock.WithLogger(o.logger)}
	if o.locker != nil {
		lockOpts = append(lockOpts, keylock.WithLocker(o.locker))
	}
	return &Backend{
		client: client,
		bucket: bucket,
		prefix: o.prefix,
		txns:   staging.NewTable(),
		locks:  keylock.New(lockOpts...),
		logger: o.logger,
	}
}

// Get retrieves a committed entity.
func (b *Backend) Get(ctx context.Context, tx ports.TxID, key *domain.RawKey) (ports.Record, error) {
	var txn *staging.Txn
	if tx != ports.NoTx {
		var err error
		if txn, err = b.txns.Lookup(tx); err != nil {
			return ports.Record{}, err
		}
	}
	payload, version, err := b.read(ctx, b.objectKey(key))
	if errors.Is(err, domain.ErrNotFound) {
		if txn != nil {
			txn.Observe(key, domain.NoVersion)
		}
		return ports.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return ports.Record{}, err
	}
	if txn != nil {
		txn.Observe(key, version)
	}
	return ports.Record{Key: key, Payload: payload, Version: version}, nil
}

// PutAsync stores payload, immediately or staged in tx.
func (b *Backend) PutAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, payload []byte, expect domain.Version) *future.Future[domain.Version] {
	data := append([]byte(nil), payload...)
	return future.Go(ctx, func(ctx context.Context) (domain.Version, error) {
		if tx != ports.NoTx {
			return domain.NoVersion, b.stage(ctx, tx, staging.Write{Key: key, Payload: data}, expect)
		}
		var version domain.Version
		err := b.locks.WithLock(ctx, []string{key.Encode()}, func(ctx context.Context) (err error) {
			version, err = b.write(ctx, b.objectKey(key), data, expect, expect != domain.NoVersion)
			return err
		})
		return version, err
	})
}

// DeleteAsync removes key, immediately or staged in tx.
func (b *Backend) DeleteAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, expect domain.Version) *future.Future[struct{}] {
	return future.Go(ctx, func(ctx context.Context) (struct{}, error) {
		if tx != ports.NoTx {
			return struct{}{}, b.stage(ctx, tx, staging.Write{Key: key, Delete: true}, expect)
		}
		return struct{}{}, b.locks.WithLock(ctx, []string{key.Encode()}, func(ctx context.Context) error {
			return b.remove(ctx, b.objectKey(key), expect)
		})
	})
}

// BeginTransaction opens a transaction.
func (b *Backend) BeginTransaction(ctx context.Context) (ports.TxID, error) {
	return b.txns.Begin().ID, nil
}

// CommitTransaction verifies the first-touch versions under lock and applies the writes.
func (b *Backend) CommitTransaction(ctx context.Context, tx ports.TxID) (ports.CommitResult, error) {
	txn, err := b.txns.Finish(tx)
	if err != nil {
		return ports.CommitResult{}, err
	}
	touches := txn.Touches()
	keys := make([]string, 0, len(touches))
	origin := make(map[string]domain.Version, len(touches))
	for _, t := range touches {
		keys = append(keys, t.Key.Encode())
		origin[t.Key.Encode()] = t.Version
	}

	unlock, err := b.locks.Lock(ctx, keys...)
	if err != nil {
		return ports.CommitResult{}, err
	}
	defer unlock()

	conflicts, err := txn.Conflicts(ctx, func(ctx context.Context, key *domain.RawKey) (domain.Version, error) {
		return b.head(ctx, b.objectKey(key))
	})
	if err != nil {
		return ports.CommitResult{}, err
	}
	if len(conflicts) > 0 {
		return ports.CommitResult{
			Conflict:  true,
			Conflicts: conflicts,
			Reason:    fmt.Sprintf("%d entities changed since first read", len(conflicts)),
		}, nil
	}

	var res ports.CommitResult
	for _, w := range txn.Writes() {
		expect := origin[w.Key.Encode()]
		var werr error
		switch {
		case w.Delete && expect == domain.NoVersion:
			// Verified absent above.
			res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Deleted: true})
			continue
		case w.Delete:
			werr = b.remove(ctx, b.objectKey(w.Key), expect)
			if werr == nil {
				res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Deleted: true})
			}
		default:
			var v domain.Version
			v, werr = b.write(ctx, b.objectKey(w.Key), w.Payload, expect, true)
			if werr == nil {
				res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Version: v})
			}
		}
		if errors.Is(werr, ports.ErrPrecondition) {
			b.logger.Warn("Commit lost a race after verification, earlier writes remain applied",
				"tx", string(tx),
				"key", w.Key.String(),
				"applied", len(res.Written),
			)
			return ports.CommitResult{
				Conflict:  true,
				Conflicts: []*domain.RawKey{w.Key},
				Reason:    fmt.Sprintf("%s changed during commit", w.Key),
				Written:   res.Written,
			}, nil
		}
		if werr != nil {
			return ports.CommitResult{Written: res.Written}, werr
		}
	}
	return res, nil
}

// RollbackTransaction discards the staged writes.
func (b *Backend) RollbackTransaction(ctx context.Context, tx ports.TxID) error {
	_, err := b.txns.Finish(tx)
	return err
}

// AllocateID increments a per-kind counter object with a compare-and-swap loop.
func (b *Backend) AllocateID(ctx context.Context, kind string) (int64, error) {
	objectKey := b.prefix + "ids/" + encode(kind)
	unlock, err := b.locks.Lock(ctx, "ids:"+kind)
	if err != nil {
		return 0, err
	}
	defer unlock()

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		var current int64
		payload, version, err := b.read(ctx, objectKey)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return 0, err
		default:
			if current, err = strconv.ParseInt(string(payload), 10, 64); err != nil {
				return 0, fmt.Errorf("corrupt id counter %s: %w", objectKey, err)
			}
		}
		next := current + 1
		_, err = b.write(ctx, objectKey, []byte(strconv.FormatInt(next, 10)), version, true)
		if errors.Is(err, ports.ErrPrecondition) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return next, nil
	}
	return 0, fmt.Errorf("allocate id for %s: counter kept changing", kind)
}

func (b *Backend) stage(ctx context.Context, tx ports.TxID, w staging.Write, expect domain.Version) error {
	txn, err := b.txns.Lookup(tx)
	if err != nil {
		return err
	}
	return txn.Stage(ctx, w, expect, func(ctx context.Context, key *domain.RawKey) (domain.Version, error) {
		return b.head(ctx, b.objectKey(key))
	})
}

func (b *Backend) read(ctx context.Context, objectKey string) ([]byte, domain.Version, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: aws.String(objectKey)})
	if err != nil {
		return nil, domain.NoVersion, classify(err, objectKey)
	}
	defer func() { _ = out.Body.Close() }()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, domain.NoVersion, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return payload, etag(out.ETag), nil
}

func (b *Backend) head(ctx context.Context, objectKey string) (domain.Version, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.bucket, Key: aws.String(objectKey)})
	if err != nil {
		err = classify(err, objectKey)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NoVersion, nil
		}
		return domain.NoVersion, err
	}
	return etag(out.ETag), nil
}

// write puts payload. When conditional, NoVersion means create-only.
func (b *Backend) write(ctx context.Context, objectKey string, payload []byte, expect domain.Version, conditional bool) (domain.Version, error) {
	input := &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
	}
	if conditional {
		if expect == domain.NoVersion {
			input.IfNoneMatch = aws.String("*")
		} else {
			input.IfMatch = aws.String(quote(expect))
		}
	}
	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return domain.NoVersion, classify(err, objectKey)
	}
	return etag(out.ETag), nil
}

func (b *Backend) remove(ctx context.Context, objectKey string, expect domain.Version) error {
	input := &s3.DeleteObjectInput{Bucket: &b.bucket, Key: aws.String(objectKey)}
	if expect != domain.NoVersion {
		input.IfMatch = aws.String(quote(expect))
	}
	_, err := b.client.DeleteObject(ctx, input)
	if err == nil {
		return nil
	}
	err = classify(err, objectKey)
	if errors.Is(err, domain.ErrNotFound) {
		if expect == domain.NoVersion {
			return nil
		}
		return fmt.Errorf("%w: %s is gone", ports.ErrPrecondition, objectKey)
	}
	return err
}

func (b *Backend) objectKey(key *domain.RawKey) string {
	return b.prefix + "entities/" + encode(key.Encode())
}

// classify maps S3 errors onto the uniform not-found and precondition signals.
func classify(err error, objectKey string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return domain.ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %s", ports.ErrPrecondition, objectKey)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 404:
			return domain.ErrNotFound
		case 409, 412:
			return fmt.Errorf("%w: %s", ports.ErrPrecondition, objectKey)
		}
	}
	return fmt.Errorf("s3 %s: %w", objectKey, err)
}

func encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func etag(s *string) domain.Version {
	return domain.Version(strings.Trim(aws.ToString(s), "\""))
}

func quote(v domain.Version) string {
	return "\"" + string(v) + "\""
}
