package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"doccollab/backend/config"
	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/cache"
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/httpapi/handlers"
	"doccollab/backend/internal/httpapi/middleware"
	"doccollab/backend/internal/logger"
	"doccollab/backend/internal/metrics"
	"doccollab/backend/internal/presence"
	"doccollab/backend/internal/session"
	"doccollab/backend/internal/store"
	"doccollab/backend/internal/store/badgerstore"
	"doccollab/backend/internal/store/mysqlstore"
	"doccollab/backend/internal/ws"
)

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "mysql":
		return mysqlstore.Open(cfg.Mysql.DSN, cfg.Mysql.AutoMigrate)
	default:
		bcfg := badgerstore.DefaultConfig(cfg.Store.BadgerPath)
		bcfg.SyncWrites = cfg.Store.SyncWrites
		bcfg.Logger = &log
		return badgerstore.Open(bcfg)
	}
}

func newKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, kafkaCfg)
}

// runServer 组装所有组件并阻塞到 ctx 结束，然后按依赖的反方向关闭
func runServer(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	gin.SetMode(cfg.Running.Mode)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var (
		rdb       redis.UniversalClient
		mirror    cache.PresenceCache
		authz     auth.Authorizer = auth.NewStoreAuthorizer(st, cfg.Auth.AutoProvision)
		cachedACL *auth.CachedAuthorizer
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		mirror = cache.NewRedisPresence(rdb)
		if cfg.Auth.ACLCache {
			cachedACL = auth.NewCachedAuthorizer(authz, cache.NewRedisACL(rdb), log)
			authz = cachedACL
		}
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.MaxInflight), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
			Logger:      logger.Component(log, "kafka"),
			Metrics:     m,
		})
		// 排序器停了之后才能关
		defer dispatcher.Close()
	}

	seqOpts := collab.SequencerOptions{
		RecentOps:          cfg.Collab.RecentOps,
		MaxConflictRetries: cfg.Collab.MaxConflictRetries,
		Logger:             logger.Component(log, "sequencer"),
		Metrics:            m,
	}
	if dispatcher != nil {
		seqOpts.Events = dispatcher
	}
	seq := collab.NewSequencer(st, seqOpts)

	compactor := collab.NewCompactor(st, seq, collab.CompactorOptions{
		Every:    cfg.Collab.SnapshotEvery,
		Interval: cfg.Collab.SnapshotInterval,
		Workers:  cfg.Collab.CompactorWorkers,
		Logger:   log,
		Metrics:  m,
	})
	seq.SetCompactor(compactor)

	sessions := session.NewRegistry(authz, seq, session.Options{
		QueueSize:          cfg.Collab.QueueSize,
		EphemeralQueueSize: cfg.Collab.EphemeralQueueSize,
		JoinTimeout:        cfg.Collab.JoinTimeout,
		SessionTimeout:     cfg.Collab.SessionTimeout,
		WriteTimeout:       cfg.Collab.WriteTimeout,
		Logger:             log,
		Metrics:            m,
	})
	seq.SetPublisher(sessions)

	pres := presence.New(sessions, mirror, presence.Options{
		Rate:      rate.Limit(cfg.Collab.CursorRate),
		Burst:     cfg.Collab.CursorBurst,
		MirrorTTL: 2 * cfg.Collab.SessionTimeout,
		Logger:    log,
		Metrics:   m,
	})
	sessions.SetPresence(pres)

	wsManager := ws.NewManager(sessions, seq, pres, collab.NewSemaphoreControl(cfg.Collab.MaxInflight), ws.Options{
		ProposeTimeout:  cfg.Collab.ProposeTimeout,
		WriteWait:       cfg.Collab.WriteTimeout,
		PongWait:        cfg.Collab.SessionTimeout,
		MaxMessageBytes: cfg.Collab.MaxMessageBytes,
		AllowedOrigins:  cfg.Running.AllowedOrigins,
	}, log)

	deps := handlers.Deps{
		Store:     st,
		Docs:      seq,
		Ops:       seq.OpLog(),
		Snapshots: compactor,
		Authz:     authz,
		Presence:  pres,
		Logger:    log,
	}
	if cachedACL != nil {
		deps.ACL = cachedACL
	}

	var authMW gin.HandlerFunc
	if cfg.Auth.Mode == "remote" {
		authMW = middleware.AuthMiddleware(cfg.Auth.Path, cfg.Auth.VerifyTimeout, log)
	} else {
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret is required in jwt mode")
		}
		authMW = middleware.JWTMiddleware(auth.NewSigner(cfg.Auth.Secret))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Running.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	r.GET("/collab/healthz", handlers.Healthz)

	// 鉴权中间件会从 Authorization 或 ?token= 提取 token，并写入 userId/username
	api := r.Group("/collab", authMW)
	api.GET("/ws", wsManager.WebSocketConnect)
	handlers.New(deps).Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Driver).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		compactor.Run(bgCtx)
		return nil
	})
	g.Go(func() error {
		sessions.RunReaper(bgCtx, cfg.Collab.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		seq.RunJanitor(bgCtx, cfg.Collab.JanitorInterval, cfg.Collab.IdleDocument)
		return nil
	})
	if every := syncInterval(cfg); every > 0 {
		g.Go(func() error {
			seq.RunSync(bgCtx, every)
			return nil
		})
	}
	if bs, ok := st.(*badgerstore.Store); ok {
		g.Go(func() error {
			bs.RunValueLogGC(bgCtx, cfg.Store.GCInterval, cfg.Store.GCRatio)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// websocket 连接已经被 hijack，Shutdown 不管它们，这里逐个关掉
		sessions.Close()
		cancelBg()
		return err
	})

	return g.Wait()
}

// syncInterval 只有共享存储（mysql）才可能有其他实例在写同一个文档
func syncInterval(cfg *config.Config) time.Duration {
	every := cfg.Collab.SyncInterval
	if every == 0 && cfg.Store.Driver == "mysql" {
		every = time.Second
	}
	return every
}
