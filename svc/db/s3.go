package db

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"cipherbin/pkg/domain"
	"cipherbin/svc/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const s3Concurrency = 8

// S3API is the subset of the S3 client the store needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	// ConditionalWrites sends If-None-Match on creates. Stores without
	// support fall back to a head-then-put check that can race.
	ConditionalWrites bool
}

// S3 stores each paste as one object and each comment under
// <paste>/discussion/<parent>/<comment>. created, expire_date and postdate
// are mirrored into object metadata so listings and sweeps need only HEAD
// requests.
type S3 struct {
	client      S3API
	bucket      string
	prefix      string
	conditional bool
	now         func() time.Time
}

func NewS3(ctx context.Context, c S3Config) (*S3, error) {
	if c.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.PathStyle
	})
	return NewS3WithClient(client, c), nil
}

func NewS3WithClient(client S3API, c S3Config) *S3 {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{
		client:      client,
		bucket:      c.Bucket,
		prefix:      prefix,
		conditional: c.ConditionalWrites,
		now:         time.Now,
	}
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func (s *S3) pasteKey(id string) string {
	return s.prefix + id
}

func (s *S3) discussionPrefix(id string) string {
	return s.pasteKey(id) + "/discussion/"
}

func (s *S3) commentKey(pasteID, parentID, commentID string) string {
	return s.discussionPrefix(pasteID) + parentID + "/" + commentID
}

func (s *S3) configKey(namespace, key string) string {
	if key == "" {
		return s.prefix + "config/" + namespace
	}
	return s.prefix + "config/" + namespace + "/" + key
}

func (s *S3) upload(ctx context.Context, key string, payload any, meta map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	if !s.conditional {
		if ok, err := s.head(ctx, key); err != nil {
			return err
		} else if ok {
			return ErrExists
		}
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    meta,
	}
	if s.conditional {
		in.IfNoneMatch = aws.String("*")
	}
	_, err = s.client.PutObject(ctx, in)
	if isS3PreconditionFailed(err) {
		return ErrExists
	}
	return errors.Wrapf(err, "put %s", key)
}

func (s *S3) head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "head %s", key)
	}
	return true, nil
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if isS3NotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return data, errors.Wrapf(err, "read %s", key)
}

func (s *S3) remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if isS3NotFound(err) {
		return nil
	}
	return errors.Wrapf(err, "delete %s", key)
}

// list returns object keys under prefix in listing order. With a delimiter
// only direct children are returned.
func (s *S3) list(ctx context.Context, prefix, delimiter string) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(prefix)}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3) Create(ctx context.Context, id string, p *domain.Paste) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	meta := map[string]string{
		"created":     strconv.FormatInt(p.Meta.Created, 10),
		"expire_date": strconv.FormatInt(p.Meta.ExpireDate, 10),
	}
	return s.upload(ctx, s.pasteKey(id), p, meta)
}

func (s *S3) Read(ctx context.Context, id string) (*domain.Paste, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := s.get(ctx, s.pasteKey(id))
	if err != nil {
		return nil, err
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode paste")
	}
	if p.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return domain.UpgradeLegacy(&p), nil
}

func (s *S3) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	keys, err := s.list(ctx, s.discussionPrefix(id), "")
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			return s.remove(gctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.remove(ctx, s.pasteKey(id))
}

func (s *S3) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	return s.head(ctx, s.pasteKey(id))
}

func (s *S3) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	if !validCommentKey(pasteID, parentID, commentID) {
		return ErrInvalidID
	}
	meta := map[string]string{
		"created":  strconv.FormatInt(c.Created(), 10),
		"postdate": strconv.FormatInt(c.Created(), 10),
	}
	return s.upload(ctx, s.commentKey(pasteID, parentID, commentID), c.Payload(), meta)
}

func (s *S3) ReadComments(ctx context.Context, pasteID string) ([]domain.Comment, error) {
	if !ValidID(pasteID) {
		return nil, nil
	}
	prefix := s.discussionPrefix(pasteID)
	keys, err := s.list(ctx, prefix, "")
	if err != nil {
		return nil, err
	}
	comments := make([]domain.Comment, len(keys))
	valid := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3Concurrency)
	for i, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
		if len(parts) != 2 || !ValidID(parts[0]) || !ValidID(parts[1]) {
			continue
		}
		g.Go(func() error {
			data, err := s.get(gctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var c domain.Comment
			if err := json.Unmarshal(data, &c); err != nil {
				util.Warn().Err(err).Str("key", key).Msg("skipping undecodable comment")
				return nil
			}
			c.ParentID, c.ID = parts[0], parts[1]
			comments[i] = c
			valid[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]domain.Comment, 0, len(keys))
	for i, c := range comments {
		if valid[i] {
			out = append(out, c)
		}
	}
	return orderComments(out), nil
}

func (s *S3) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	if !validCommentKey(pasteID, parentID, commentID) {
		return false, nil
	}
	return s.head(ctx, s.commentKey(pasteID, parentID, commentID))
}

func (s *S3) GetAllPasteIDs(ctx context.Context) ([]string, error) {
	keys, err := s.list(ctx, s.prefix, "/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id := strings.TrimPrefix(key, s.prefix); ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *S3) PurgeExpired(ctx context.Context, batchSize int) ([]string, error) {
	ids, err := s.GetAllPasteIDs(ctx)
	if err != nil {
		return nil, err
	}
	return sweepExpired(ctx, ids, batchSize, s.now(), s.expiry, s.Delete)
}

func (s *S3) expiry(ctx context.Context, id string) (int64, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.pasteKey(id))})
	if isS3NotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "head paste")
	}
	exp, _ := parseUnix(out.Metadata["expire_date"])
	return exp, true, nil
}

func (s *S3) SetValue(ctx context.Context, value, namespace, key string) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	meta := map[string]string{"namespace": namespace}
	if namespace != NamespaceSalt {
		meta["value"] = value
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.configKey(namespace, key)),
		Body:        strings.NewReader(value),
		ContentType: aws.String("text/plain"),
		Metadata:    meta,
	})
	return errors.Wrap(err, "put config value")
}

func (s *S3) GetValue(ctx context.Context, namespace, key string) (string, error) {
	if !validNamespace(namespace) {
		return "", ErrInvalidNamespace
	}
	data, err := s.get(ctx, s.configKey(namespace, key))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *S3) PurgeValues(ctx context.Context, namespace string, cutoff int64) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	if namespace == NamespaceSalt {
		return nil
	}
	keys, err := s.list(ctx, s.configKey(namespace, ""), "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if isS3NotFound(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "head config value")
		}
		if n, ok := parseUnix(out.Metadata["value"]); ok && n < cutoff {
			if err := s.remove(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return errors.Wrap(err, "head bucket")
}

func (s *S3) Close() error {
	return nil
}
