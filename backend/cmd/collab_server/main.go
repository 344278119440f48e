package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"drillCollab/backend/config"
	"drillCollab/backend/internal/cache"
	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/httpapi/handlers"
	"drillCollab/backend/internal/httpapi/middleware"
	"drillCollab/backend/internal/lock"
	"drillCollab/backend/internal/store"
	"drillCollab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d redis=%v kafka=%v topic=%s lockTTL=%s",
		cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Collab.LockTTL)

	// 单地址是单机，多地址是集群
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	var svcOpts []collab.ServiceOption
	var changes handlers.ChangeReader
	if cfg.Mysql.DSN != "" {
		gdb, sqlDB, err := store.InitMySQL(cfg.Mysql.DSN, store.MySQLOptions{
			MaxOpenConns:    cfg.Mysql.MaxOpenConns,
			MaxIdleConns:    cfg.Mysql.MaxIdleConns,
			ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
			AutoMigrate:     cfg.Mysql.AutoMigrate,
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer sqlDB.Close()
		changeLog := store.NewChangeLog(sqlDB)
		changes = changeLog
		svcOpts = append(svcOpts,
			collab.WithEntityStore(store.NewEntityStore(gdb)),
			collab.WithChangeLog(changeLog),
		)
	} else {
		log.Printf("mysql dsn not set, entity state is memory only")
	}

	// === 初始化 Kafka Producer ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaDispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		// 先于 producer.Close 执行：把队列里剩余的事件发完
		defer kafkaDispatcher.Close()
		svcOpts = append(svcOpts, collab.WithEventSink(kafkaDispatcher))
	}

	locks := lock.NewManager(
		lock.WithDefaultTTL(cfg.Collab.LockTTL),
		lock.WithMaxTTL(cfg.Collab.LockMaxTTL),
	)
	hub := ws.NewHub(cache.NewRedisPresence(rdb), ws.WithSubscriptionBuffer(cfg.Collab.SubscriptionBuffer))
	svc := collab.NewInMemoryService(locks, append(svcOpts, collab.WithPublisher(hub))...)
	collab.BroadcastLockChanges(locks, hub, func() int64 { return time.Now().UnixMilli() })

	manager := ws.NewManager(hub, locks, svc, collab.NewSemaphoreControl(cfg.Collab.CommitConcurrency), cfg.Cors.AllowedOrigins)
	manager.PresenceTTL = cfg.Collab.PresenceTTL

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(cfg.Cors.AllowedOrigins) == 0 {
				return true
			}
			for _, o := range cfg.Cors.AllowedOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	// 路由
	group := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取 JWT，写入 userId/username
	group.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	group.GET("/ws", manager.WebSocketConnect)
	// 客户端启动时读取默认冲突策略和锁租期
	group.GET("/settings", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"strategy":  cfg.Collab.Strategy,
			"lockTTLMs": cfg.Collab.LockTTL.Milliseconds(),
		})
	})
	handlers.NewCollabHandler(locks, svc, changes).Register(group)

	port := cfg.Running.Port
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Printf("server stopped: %v", err)
	}
}
