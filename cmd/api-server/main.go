// Package main API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"taskbench/internal/api"
	"taskbench/internal/auth"
	"taskbench/internal/config"
	"taskbench/internal/history"
	pgdriver "taskbench/internal/history/driver/postgres"
	sqlitedriver "taskbench/internal/history/driver/sqlite"
	"taskbench/internal/history/mongostore"
	"taskbench/internal/history/repository"
	"taskbench/internal/live"
	"taskbench/internal/objstore"
	"taskbench/internal/orchestrator"
	"taskbench/internal/storage"
	"taskbench/pkg/docker"
	"taskbench/pkg/logging"
)

func main() {
	// 加载配置（自动加载 .env，凭据只从环境变量读取）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 运行历史（sqlite / postgres / mongodb）
	store, err := openHistoryStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open run history store: %v", err)
	}
	defer store.Close()
	log.Printf("Run history store ready [driver=%s]", cfg.DatabaseDriver)

	// Redis（回放缓冲区，etcd 关闭时兼任运行登记表）
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	buffer := storage.NewRedisStoreFromClient(redisClient)
	defer buffer.Close()
	log.Println("Connected to Redis")

	// 运行登记表：默认落在 Redis，可切 etcd
	var registry storage.RunRegistry = buffer
	if cfg.Etcd.Enabled {
		etcdReg, err := storage.NewEtcdRegistry(storage.EtcdConfig{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix,
		})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer etcdReg.Close()
		registry = etcdReg
		log.Printf("Run registry on etcd %v", cfg.Etcd.Endpoints)
	}

	// MinIO 对象存储（任务归档）
	objects, err := objstore.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("Failed to create MinIO client: %v", err)
	}
	bucketCtx, bucketCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = objects.EnsureBucket(bucketCtx)
	bucketCancel()
	if err != nil {
		log.Fatalf("Failed to ensure MinIO bucket: %v", err)
	}
	log.Printf("Object storage ready [bucket=%s]", cfg.MinIO.Bucket)

	// Docker 运行时
	runtime, err := docker.NewClient()
	if err != nil {
		log.Fatalf("Failed to create Docker client: %v", err)
	}
	defer runtime.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 实时通道注册表 + 空闲回收
	liveReg := live.NewRegistry(cfg.Stream.ChannelCapacity)
	liveReg.StartJanitor(ctx, cfg.Stream.IdleEvictWindow())
	registerLiveMetrics(liveReg)

	// 编排器
	orch := orchestrator.New(
		orchestrator.Config{
			StagingDir:   cfg.Runner.StagingDir,
			DrainTimeout: cfg.Runner.DrainTimeout(),
			CPULimit:     cfg.Runner.CPULimit,
			MemoryLimit:  cfg.Runner.MemoryLimitBytes(),
		},
		orchestrator.Deps{
			Runtime:  runtime,
			Buffer:   buffer,
			Live:     liveReg,
			Registry: registry,
			History:  store,
			Logger:   logging.New(logging.Config{Level: "info", Format: "json", Component: "orchestrator"}),
			Metrics:  orchestrator.NewMetrics("taskbench"),
		},
	)

	// HTTP Handler
	h := api.NewHandler(api.Deps{
		Launcher:  orch,
		Buffer:    buffer,
		Registry:  registry,
		Live:      liveReg,
		History:   store,
		Objects:   objects,
		Auth:      buildAuthConfig(cfg),
		Metrics:   api.NewMetrics("taskbench"),
		Heartbeat: cfg.Stream.Heartbeat(),
	})

	// 过期缓冲兜底清扫（Redis 端主路径是 TTL 自然过期）
	go sweepLoop(ctx, buffer, cfg.Runner.SweepEvery())

	// SSE 长连接不能设 WriteTimeout；Read 放宽到 60s 容纳大归档上传
	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     h.Router(),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openHistoryStore 按配置打开运行历史存储
//
// SQL 后端（sqlite/postgres）共享 repository 实现，仅方言不同；
// 打开即做幂等迁移，建表语句随二进制分发。
func openHistoryStore(cfg *config.Config) (history.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := pgdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := pgdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres auto-migrate failed: %w", err)
		}
		return repository.NewStore(db, dialect), nil

	case "mongodb":
		dbName := cfg.DatabaseDBName
		if dbName == "" {
			dbName = "taskbench"
		}
		return mongostore.NewStore(cfg.DatabaseURL, dbName)

	default: // sqlite
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite auto-migrate failed: %w", err)
		}
		return repository.NewStore(db, dialect), nil
	}
}

// buildAuthConfig 组装认证配置
//
// JWT 密钥与管理员静态令牌只从环境变量读取（JWT_SECRET /
// ADMIN_USER / ADMIN_PASSWORD）。认证开启但两种凭据都缺失时
// 拒绝启动，避免起一个谁也连不上的服务。
func buildAuthConfig(cfg *config.Config) auth.Config {
	authCfg := auth.DefaultConfig()
	authCfg.Enabled = cfg.Auth.Enabled
	authCfg.JWTSecret = cfg.Auth.JWTSecret
	authCfg.TokenTTL = cfg.Auth.TokenDuration()
	authCfg.AdminOwner = cfg.Auth.AdminUser

	if cfg.Auth.AdminUser != "" && cfg.Auth.AdminPassword != "" {
		if err := authCfg.AddStaticToken(cfg.Auth.AdminUser, cfg.Auth.AdminPassword); err != nil {
			log.Fatalf("Failed to register admin token: %v", err)
		}
	}

	if authCfg.Enabled && authCfg.JWTSecret == "" &&
		(cfg.Auth.AdminUser == "" || cfg.Auth.AdminPassword == "") {
		log.Fatal("Auth is enabled but neither JWT_SECRET nor ADMIN_USER/ADMIN_PASSWORD is set")
	}
	return authCfg
}

// registerLiveMetrics 导出实时通道注册表的观测指标
func registerLiveMetrics(reg *live.Registry) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "taskbench",
		Name:      "live_channels_active",
		Help:      "Active per-owner live channels",
	}, func() float64 { return float64(reg.Size()) })

	promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "taskbench",
		Name:      "live_messages_dropped_total",
		Help:      "Messages dropped because an owner channel was full",
	}, func() float64 { return float64(reg.Dropped()) })
}

// sweepLoop 周期清扫过期的缓冲条目
func sweepLoop(ctx context.Context, buffer storage.ReplayBuffer, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := buffer.Sweep(ctx, 24*time.Hour)
			if err != nil {
				log.Printf("Buffer sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("Buffer sweep removed %d expired entries", swept)
			}
		}
	}
}
