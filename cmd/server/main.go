// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"doc-chat-go/internal/bootstrap"
	"doc-chat-go/internal/config"
	"doc-chat-go/internal/handler"
	"doc-chat-go/internal/middleware"
	"doc-chat-go/internal/pipeline"
	"doc-chat-go/internal/repository"
	"doc-chat-go/internal/service"
	"doc-chat-go/pkg/database"
	"doc-chat-go/pkg/embedding"
	"doc-chat-go/pkg/kafka"
	"doc-chat-go/pkg/llm"
	"doc-chat-go/pkg/log"
	"doc-chat-go/pkg/storage"
	"doc-chat-go/pkg/token"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("DOC_CHAT_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和 MinIO
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.AutoMigrate(database.DB); err != nil {
		log.Fatal("数据表迁移失败", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 4. 初始化向量库
	store, closeStore, err := bootstrap.OpenStore(rootCtx, cfg)
	if err != nil {
		log.Fatal("向量库初始化失败", err)
	}
	defer closeStore()

	// 5. 初始化 Repository
	docRepo := repository.NewDocumentRepository(database.DB)
	files := storage.NewMinioStore(storage.MinioClient, cfg.MinIO.BucketName)

	// 6. 初始化 Embedding 与文件处理管道
	embeddingClient, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatal("Embedding 客户端初始化失败", err)
	}
	generator := embedding.NewGenerator(embeddingClient, cfg.Embedding.BatchSize, cfg.Embedding.Timeout)
	extractor, err := pipeline.NewExtractor(cfg.Extractor, cfg.Tika)
	if err != nil {
		log.Fatal("文本提取器初始化失败", err)
	}
	chunker, err := pipeline.NewChunker(cfg.Chunking.ChunkSize, cfg.Chunking.Overlap)
	if err != nil {
		log.Fatal("分块器初始化失败", err)
	}
	ingestor := pipeline.NewIngestor(extractor, chunker, generator, store, cfg.Ingestion.Timeout)
	processor := pipeline.NewProcessor(ingestor, store, docRepo, files)

	// 7. 异步入库时启动 Kafka 生产者和后台消费者
	var publisher service.TaskPublisher
	if cfg.Ingestion.Async {
		producer := kafka.NewProducer(cfg.Kafka)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Warnf("关闭 Kafka 生产者失败: %v", err)
			}
		}()
		publisher = producer
		consumer := kafka.NewConsumer(processor, kafka.NewRedisAttemptCounter(database.RDB), cfg.Kafka.MaxAttempts)
		go consumer.Run(rootCtx, cfg.Kafka)
	}

	// 8. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	retrievalService := service.NewRetrievalService(generator, store, cfg.Retrieval, docRepo)
	documentService := service.NewDocumentService(docRepo, files, store, processor, publisher)
	var memory service.MemoryWriter
	if cfg.Memory.Enabled {
		memory = store
	}
	chatService := service.NewChatService(
		retrievalService,
		llm.NewClient(cfg.LLM),
		repository.NewConversationRepository(database.RDB),
		generator,
		memory,
		cfg.LLM,
	)

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	documentHandler := handler.NewDocumentHandler(documentService)
	searchHandler := handler.NewSearchHandler(retrievalService)
	chatHandler := handler.NewChatHandler(chatService, jwtManager)

	// 10. 注册路由
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		documents := apiV1.Group("/documents")
		{
			documents.POST("/upload", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.DELETE("/:id", documentHandler.Delete)
		}

		apiV1.GET("/search", searchHandler.Search)
		apiV1.GET("/chat/websocket-token", chatHandler.GetWebsocketStopToken)
	}
	// WebSocket 握手无法携带 Authorization 头，token 放在路径中
	r.GET("/chat/:token", chatHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	// 停止 Kafka 消费者，未提交的消息会在下次启动时重新投递
	stopBackground()
	log.Info("服务已优雅关闭")
}
