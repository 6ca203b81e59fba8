package model

import "errors"

// 入库与迁移过程中的错误分类，调用方使用 errors.Is 判断。
var (
	// ErrExtraction PDF 无法解析，不自动重试。
	ErrExtraction = errors.New("pdf extraction failed")
	// ErrEmbeddingUnavailable 向量模型不可用或超时，整篇文档入库中止，可稍后重试。
	ErrEmbeddingUnavailable = errors.New("embedding model unavailable")
	// ErrCollectionWrite 写入向量库失败，已回滚该文档的部分写入。
	ErrCollectionWrite = errors.New("collection write failed")
	// ErrOutOfOrderMigration 前序版本尚未 APPLIED。
	ErrOutOfOrderMigration = errors.New("migration applied out of order")
	// ErrMigrationFailed 迁移执行失败，需要人工介入。
	ErrMigrationFailed = errors.New("migration failed")

	ErrDocumentNotFound = errors.New("document not found")
)
