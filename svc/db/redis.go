package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"cipherbin/cfg"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cipherbin:config:"

// Redis is a ConfigStore for deployments that run several instances against
// one paste backend and want the traffic limiter shared between them.
type Redis struct {
	client   *redis.Client
	timeout  time.Duration
	valueTTL time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisWithClient(client, c.RedisTimeout, 2*c.TrafficLimit), nil
}

// NewRedisWithClient wraps an existing client. Traffic limiter entries expire
// after valueTTL so that abandoned keys do not need a purge; zero keeps them.
func NewRedisWithClient(client *redis.Client, timeout, valueTTL time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout, valueTTL: valueTTL}
}

func buildRedisTLSConfig(c *cfg.Cfg) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}
	if c.RedisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = c.RedisHostname
	if c.RedisCACert != "" {
		caCert, err := os.ReadFile(c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load system cert pool")
		}
		tlsConfig.RootCAs = systemPool
	}
	if !c.IsProduction() && c.RedisDevCA != "" {
		devCert, err := os.ReadFile(c.RedisDevCA)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read dev CA cert")
		}
		if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
			return nil, errors.New("failed to append dev CA cert")
		}
	}
	return tlsConfig, nil
}

func redisKey(namespace, key string) string {
	if key == "" {
		return redisKeyPrefix + namespace
	}
	return redisKeyPrefix + namespace + ":" + key
}

func (r *Redis) SetValue(ctx context.Context, value, namespace, key string) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var ttl time.Duration
	if namespace == NamespaceTrafficLimiter {
		ttl = r.valueTTL
	}
	return errors.Wrap(r.client.Set(ctx, redisKey(namespace, key), value, ttl).Err(), "set value")
}

func (r *Redis) GetValue(ctx context.Context, namespace, key string) (string, error) {
	if !validNamespace(namespace) {
		return "", ErrInvalidNamespace
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(ctx, redisKey(namespace, key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get value")
	}
	return v, nil
}

func (r *Redis) PurgeValues(ctx context.Context, namespace string, cutoff int64) error {
	if !validNamespace(namespace) {
		return ErrInvalidNamespace
	}
	if namespace == NamespaceSalt {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+namespace+"*", 100).Iterator()
	var stale []string
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "get value")
		}
		if n, ok := parseUnix(v); ok && n < cutoff {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scan values")
	}
	if len(stale) == 0 {
		return nil
	}
	return errors.Wrap(r.client.Del(ctx, stale...).Err(), "purge values")
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "cipherbin:health_check_" + time.Now().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
