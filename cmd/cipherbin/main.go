package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherbin/cfg"
	"cipherbin/svc/api"
	"cipherbin/svc/db"
	"cipherbin/svc/lim"
	"cipherbin/svc/svc"
	"cipherbin/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// backend is the paste store plus the optional hooks some drivers need.
type backend struct {
	store db.Store
	stop  func()
}

func openStore(ctx context.Context, c *cfg.Cfg) (*backend, error) {
	switch c.StoreBackend {
	case cfg.BackendFilesystem:
		fs, err := db.NewFS(c.DataDir)
		if err != nil {
			return nil, err
		}
		util.Info().Str("dir", c.DataDir).Msg("filesystem store initialized")
		return &backend{store: fs, stop: func() {}}, nil
	case cfg.BackendDatabase:
		s, err := db.NewSQL(ctx, db.SQLConfig{
			Driver:       c.DatabaseDriver,
			DSN:          c.DatabaseDSN.Value(),
			MaxOpenConns: c.DBMaxOpenConns,
			MaxIdleConns: c.DBMaxIdleConns,
			QueryTimeout: c.DBQueryTimeout,
		})
		if err != nil {
			return nil, err
		}
		quitWAL := make(chan struct{})
		go s.StartWALMaintenance(quitWAL)
		util.Info().Str("driver", s.Driver()).Msg("database store initialized")
		return &backend{store: s, stop: func() { close(quitWAL) }}, nil
	case cfg.BackendS3:
		s, err := db.NewS3(ctx, db.S3Config{
			Bucket:            c.S3.Bucket,
			Prefix:            c.S3.Prefix,
			Region:            c.S3.Region,
			Endpoint:          c.S3.Endpoint,
			AccessKey:         c.S3.AccessKey,
			SecretKey:         c.S3.SecretKey.Value(),
			PathStyle:         c.S3.PathStyle,
			ConditionalWrites: c.S3.ConditionalWrites,
		})
		if err != nil {
			return nil, err
		}
		util.Info().Str("bucket", c.S3.Bucket).Msg("s3 store initialized")
		return &backend{store: s, stop: func() {}}, nil
	case cfg.BackendBolt:
		b, err := db.NewBolt(c.BoltPath)
		if err != nil {
			return nil, err
		}
		util.Info().Str("path", c.BoltPath).Msg("bolt store initialized")
		return &backend{store: b, stop: func() {}}, nil
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

func main() {
	health := flag.Bool("health", false, "ping the configured store and exit")
	saltFrom := flag.String("salt-from-dir", "", "copy the server salt from a filesystem data dir before starting")
	flag.Parse()
	util.InitLog(os.Getenv("LOG_LEVEL"), false)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to read .env")
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *health {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		defer pingCancel()
		be, err := openStore(pingCtx, c)
		if err != nil {
			os.Exit(1)
		}
		defer be.store.Close()
		if err := be.store.Ping(pingCtx); err != nil {
			os.Exit(1)
		}
		return
	}

	util.Info().Str("backend", c.StoreBackend).Msg("starting cipherbin")
	if err := lim.ValidateProxies(c.TrustedProxies); err != nil {
		util.Fatal().Err(err).Msg("invalid trusted proxies")
		os.Exit(1)
	}

	be, err := openStore(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer be.store.Close()

	if *saltFrom != "" {
		src, err := db.OpenFS(*saltFrom)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to open salt source")
			os.Exit(1)
		}
		copied, err := svc.MigrateSalt(ctx, src, be.store)
		src.Close()
		if err != nil {
			util.Fatal().Err(err).Msg("salt migration failed")
			os.Exit(1)
		}
		util.Info().Bool("copied", copied).Str("from", *saltFrom).Msg("salt migration finished")
	}

	// Limiter state lives in Redis when configured so that several
	// instances share one view of who posted when.
	var limStore db.ConfigStore = be.store
	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.IsProduction() {
				util.Fatal().Err(err).Msg("redis configured but unreachable")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable, limiter state stays in the paste store")
			rdb = nil
		} else {
			limStore = rdb
			defer rdb.Close()
			util.Info().Msg("redis limiter store connected")
		}
	}

	salt := svc.NewServerSalt(be.store)
	if _, err := salt.Get(ctx); err != nil {
		util.Fatal().Err(err).Msg("failed to load server salt")
		os.Exit(1)
	}

	traffic, err := lim.NewTraffic(limStore, c.TrafficLimit, c.TrafficExempted, c.TrafficCreators, salt.Get)
	if err != nil {
		util.Fatal().Err(err).Msg("invalid traffic limiter settings")
		os.Exit(1)
	}
	purger := svc.NewPurger(be.store, lim.NewPurge(limStore, c.PurgeLimit), c.PurgeBatchSize)
	if err := purger.Start(ctx, c.PurgeInterval); err != nil {
		util.Error().Err(err).Msg("failed to start purger")
	}

	pasteSvc := svc.NewPaste(be.store, salt, traffic, purger, c)

	reader := lim.NewReadLimiter(c.ReadRPM, c.ReadBurst)
	reader.Start()
	util.Info().
		Int("rpm", c.ReadRPM).
		Int("burst", c.ReadBurst).
		Dur("traffic_limit", c.TrafficLimit).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("limiters initialized")

	var serverLimStore db.ConfigStore
	if rdb != nil {
		serverLimStore = rdb
	}
	server := api.NewServer(c, pasteSvc, reader, be.store, serverLimStore)

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	pasteSvc.Shutdown()
	reader.Stop()
	be.stop()
	util.Info().Msg("shutdown complete")
}
