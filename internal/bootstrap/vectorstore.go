// Package bootstrap 按配置组装 cmd/server 与 cmd/migrate 共用的依赖。
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"doc-chat-go/internal/config"
	"doc-chat-go/internal/vectorstore"
	"doc-chat-go/pkg/database"
	"doc-chat-go/pkg/es"
	"doc-chat-go/pkg/lock"
	"doc-chat-go/pkg/log"
	"doc-chat-go/pkg/milvus"
)

// Redis 锁的过期时间需要覆盖一次集合创建或一次完整的迁移。
const (
	collectionLockTTL = 30 * time.Second
	migrationLockTTL  = 2 * time.Hour
)

// Locker 在 Redis 可用时返回跨进程锁，否则返回进程内锁。
func Locker(ttl time.Duration) lock.Locker {
	if database.RDB != nil {
		return lock.NewRedisLocker(database.RDB, ttl)
	}
	return lock.NewLocalLocker()
}

// MigrationLocker 返回迁移执行器使用的锁。
func MigrationLocker() lock.Locker {
	return Locker(migrationLockTTL)
}

// OpenBackend 根据 vector_store.type 连接向量库，返回的 close 用于释放连接。
func OpenBackend(ctx context.Context, cfg config.Config) (vectorstore.Backend, func(), error) {
	switch cfg.VectorStore.Type {
	case "", "elasticsearch":
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			return nil, nil, fmt.Errorf("es 初始化失败: %w", err)
		}
		return es.NewBackend(es.ESClient), func() {}, nil
	case "milvus":
		c, err := milvus.NewClient(ctx, cfg.Milvus)
		if err != nil {
			return nil, nil, fmt.Errorf("milvus 初始化失败: %w", err)
		}
		return milvus.NewBackend(c, cfg.Milvus), func() {
			if err := c.Close(); err != nil {
				log.Warnf("关闭 Milvus 连接失败: %v", err)
			}
		}, nil
	case "memory":
		log.Warnf("使用内存向量库，数据不会持久化")
		return vectorstore.NewMemoryBackend(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector_store.type %q", cfg.VectorStore.Type)
	}
}

// OpenStore 连接向量库并创建 Collection Store。
func OpenStore(ctx context.Context, cfg config.Config) (*vectorstore.Store, func(), error) {
	backend, closeFn, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store := vectorstore.NewStore(backend, Locker(collectionLockTTL),
		vectorstore.WithWriteBatchSize(cfg.VectorStore.WriteBatchSize),
		vectorstore.WithTimeout(cfg.VectorStore.Timeout),
	)
	log.Infof("向量库后端: %s", cfg.VectorStore.Type)
	return store, closeFn, nil
}
