package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"labforge/internal/common/cache"
	"labforge/internal/common/clock"
	"labforge/internal/common/db"
	"labforge/internal/common/http/middleware"
	"labforge/internal/common/metrics"
	"labforge/internal/common/mq"
	"labforge/internal/common/ratelimit"
	"labforge/internal/common/storage"
	flagController "labforge/internal/flag/controller"
	flagRepo "labforge/internal/flag/repository"
	flagService "labforge/internal/flag/service"
	instanceController "labforge/internal/instance/controller"
	instanceRepo "labforge/internal/instance/repository"
	"labforge/internal/instance/runtime"
	instanceService "labforge/internal/instance/service"
	"labforge/internal/notify"
	appErr "labforge/pkg/errors"
	"labforge/pkg/utils/logger"
	"labforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const rateLimitKeyPrefix = "lab:flag:attempts:"

type closer func()

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/lab_service.yaml", "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(configPath)
	if err != nil {
		panic(err)
	}
	if err := logger.Init(appCfg.Logger.toLogger()); err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	clk := clock.Real{}

	dbCfg := db.DefaultConfig(appCfg.Database.Driver)
	dbCfg.DSN = appCfg.Database.DSN
	if appCfg.Database.MaxOpenConns > 0 {
		dbCfg.MaxOpenConnections = appCfg.Database.MaxOpenConns
	}
	if appCfg.Database.MaxIdleConns > 0 {
		dbCfg.MaxIdleConnections = appCfg.Database.MaxIdleConns
	}
	if appCfg.Database.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = appCfg.Database.ConnMaxLifetime
	}
	if appCfg.Database.ConnMaxIdleTime > 0 {
		dbCfg.ConnMaxIdleTime = appCfg.Database.ConnMaxIdleTime
	}
	database, err := db.Open(dbCfg)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer database.Close()

	migrations := append(instanceRepo.Schema(dbCfg.Driver), flagRepo.Schema(dbCfg.Driver)...)
	if err := db.Migrate(ctx, database, migrations); err != nil {
		logger.Error(ctx, "migrate database failed", zap.Error(err))
		return
	}

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		redisCfg := cache.DefaultRedisConfig()
		redisCfg.Addr = appCfg.Redis.Addr
		redisCfg.Password = appCfg.Redis.Password
		redisCfg.DB = appCfg.Redis.DB
		if appCfg.Redis.PoolSize > 0 {
			redisCfg.PoolSize = appCfg.Redis.PoolSize
		}
		redisCache, err = cache.NewRedisCacheWithConfig(redisCfg)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer redisCache.Close()
	}

	sink, closeSink, err := buildNotifier(appCfg)
	if err != nil {
		logger.Error(ctx, "init notifier failed", zap.Error(err))
		return
	}
	defer closeSink()

	rt, err := buildRuntime(appCfg.Runtime)
	if err != nil {
		logger.Error(ctx, "init runtime failed", zap.Error(err))
		return
	}

	instances := instanceRepo.NewInstanceRepository(database)
	var machineCache cache.BasicOps
	if redisCache != nil {
		machineCache = redisCache
	}
	machines := instanceRepo.NewMachineRepository(database, machineCache)
	hasher := flagService.NewHasher(appCfg.Flag.Pepper)
	if err := seedMachines(ctx, database, machines, hasher, appCfg.Machines, clk.Now()); err != nil {
		logger.Error(ctx, "seed machines failed", zap.Error(err))
		return
	}

	timeouts := instanceService.TimeoutConfig{
		DB:           appCfg.Instance.DBTimeout,
		RuntimeStart: appCfg.Runtime.StartTimeout,
		RuntimeStop:  appCfg.Runtime.StopTimeout,
	}
	instanceSvc, err := instanceService.NewInstanceService(instanceService.Config{
		InstanceRepo: instances,
		MachineRepo:  machines,
		Runtime:      rt,
		Notifier:     sink,
		Clock:        clk,
		Lifetime: instanceService.LifetimeConfig{
			Default:    appCfg.Instance.DefaultLifetime,
			Max:        appCfg.Instance.MaxLifetime,
			ExtendStep: appCfg.Instance.ExtendStep,
		},
		Timeouts: timeouts,
	})
	if err != nil {
		logger.Error(ctx, "init instance service failed", zap.Error(err))
		return
	}

	var locker cache.LockOps
	if appCfg.Reaper.UseLock {
		locker = redisCache
	}
	archiver, err := buildArchiver(ctx, appCfg.Archive)
	if err != nil {
		logger.Error(ctx, "init sweep archive failed", zap.Error(err))
		return
	}
	reaper, err := instanceService.NewReaper(instanceService.ReaperConfig{
		InstanceRepo: instances,
		Runtime:      rt,
		Notifier:     sink,
		Clock:        clk,
		Locker:       locker,
		Archiver:     archiver,
		Interval:     appCfg.Reaper.Interval,
		BatchSize:    appCfg.Reaper.BatchSize,
		StopRate:     appCfg.Reaper.StopRate,
		StopBurst:    appCfg.Reaper.StopBurst,
		Timeouts:     timeouts,
	})
	if err != nil {
		logger.Error(ctx, "init reaper failed", zap.Error(err))
		return
	}

	limiterCfg := ratelimit.Config{
		Window:      appCfg.Flag.RateLimitWindow,
		MaxAttempts: appCfg.Flag.RateLimitMaxAttempts,
	}
	var limiter ratelimit.Limiter
	if appCfg.Flag.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(redisCache, limiterCfg, rateLimitKeyPrefix, appCfg.Instance.DBTimeout)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(limiterCfg, clk)
		limiter = memLimiter
		go pruneLimiter(ctx, memLimiter, limiterCfg.Window)
	}

	validator, err := flagService.NewValidator(flagService.Config{
		Limiter:              limiter,
		InstanceRepo:         instances,
		MachineRepo:          machines,
		SolveRepo:            flagRepo.NewSolveRepository(database),
		AttemptRepo:          flagRepo.NewAttemptRepository(database),
		Hasher:               hasher,
		Notifier:             sink,
		Clock:                clk,
		FirstBloodMultiplier: appCfg.Flag.FirstBloodMultiplier,
		DBTimeout:            appCfg.Instance.DBTimeout,
	})
	if err != nil {
		logger.Error(ctx, "init flag validator failed", zap.Error(err))
		return
	}

	var revocations cache.BasicOps
	if redisCache != nil {
		revocations = redisCache
	}
	auth := middleware.NewAuthenticator(appCfg.Auth.Secret, appCfg.Auth.Issuer, revocations)

	handler := buildHTTPServer(auth, instanceSvc, reaper, validator, database, redisCache)
	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}

	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "listen failed", zap.String("addr", appCfg.Server.Addr), zap.Error(err))
		return
	}
	logger.Info(ctx, "lab service started",
		zap.String("addr", appCfg.Server.Addr),
		zap.String("driver", dbCfg.Driver),
		zap.String("runtime", appCfg.Runtime.Kind),
		zap.String("rate_limit_backend", appCfg.Flag.RateLimitBackend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if !appCfg.Reaper.Disabled {
		g.Go(func() error {
			return reaper.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "lab service stopped with error", zap.Error(err))
		return
	}
	logger.Info(context.Background(), "lab service stopped")
}

func buildNotifier(cfg *AppConfig) (notify.Sink, closer, error) {
	var (
		sinks   notify.Multi
		closers []closer
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	for _, name := range cfg.Notify.Sinks {
		switch strings.ToLower(name) {
		case "log":
			sinks = append(sinks, notify.LogSink{})
		case "kafka":
			producer, err := mq.NewKafkaProducer(mq.KafkaConfig{
				Brokers:      cfg.Kafka.Brokers,
				ClientID:     cfg.Kafka.ClientID,
				WriteTimeout: cfg.Kafka.WriteTimeout,
			})
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = producer.Close() })
			kafkaSink, err := notify.NewKafkaSink(producer, cfg.Kafka.Topic)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, kafkaSink)
		case "nats":
			natsSink, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, natsSink.Close)
			sinks = append(sinks, natsSink)
		default:
			closeAll()
			return nil, nil, errors.New("unknown notify sink: " + name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

func buildArchiver(ctx context.Context, cfg ArchiveConfig) (instanceService.SweepArchiver, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	store, err := storage.NewMinIOStorage(storage.MinIOConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Region:    cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.EnsureBucket(ensureCtx, cfg.Bucket); err != nil {
		return nil, err
	}
	return instanceService.NewObjectArchiver(store, cfg.Bucket)
}

func buildRuntime(cfg RuntimeConfig) (runtime.Runtime, error) {
	switch strings.ToLower(cfg.Kind) {
	case "simulated":
		return runtime.NewSimulated(cfg.Latency), nil
	case "agent":
		return runtime.NewAgent(runtime.AgentConfig{
			BaseURL: cfg.AgentURL,
			Token:   cfg.AgentToken,
			Timeout: cfg.StartTimeout,
		})
	default:
		return nil, errors.New("unknown runtime kind: " + cfg.Kind)
	}
}

func pruneLimiter(ctx context.Context, limiter *ratelimit.MemoryLimiter, window time.Duration) {
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}

func buildHTTPServer(
	auth *middleware.Authenticator,
	instances instanceController.InstanceService,
	sweeper instanceController.Sweeper,
	flags flagController.FlagService,
	database db.Database,
	redisCache *cache.RedisCache,
) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.TraceContextMiddleware(), requestLogger())

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := database.Ping(ctx); err != nil {
			response.ErrorWithCode(c, appErr.ServiceUnavailable, "database unavailable")
			return
		}
		if redisCache != nil {
			if err := redisCache.Ping(ctx); err != nil {
				response.ErrorWithCode(c, appErr.ServiceUnavailable, "redis unavailable")
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	})

	instanceHandler := instanceController.NewInstanceController(instances, sweeper)
	flagHandler := flagController.NewFlagController(flags)

	api := router.Group("/api/v1", middleware.AuthMiddleware(auth))
	{
		api.POST("/instances", instanceHandler.Start)
		api.GET("/instances/active", instanceHandler.Active)
		api.GET("/instances/:id", instanceHandler.Get)
		api.POST("/instances/:id/stop", instanceHandler.Stop)
		api.POST("/instances/:id/extend", instanceHandler.Extend)

		api.POST("/flags/validate", flagHandler.Validate)
		api.GET("/flags/submissions", flagHandler.Submissions)

		api.POST("/internal/reap", middleware.RequireRole("admin"), instanceHandler.Reap)
	}
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), "http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_id", middleware.UserID(c)),
		)
	}
}
