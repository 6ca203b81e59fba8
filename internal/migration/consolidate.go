package migration

import (
	"context"
	"errors"
	"fmt"

	"doc-chat-go/internal/model"
	"doc-chat-go/internal/repository"
	"doc-chat-go/internal/vectorstore"
)

// 迁移写入时每批的点数。
const consolidateBatchSize = 256

// consolidator 把每篇文档一个集合 (doc_{user}_{doc}) 合并为每个用户一个集合 (user_{user}_default)。
type consolidator struct {
	docs    repository.DocumentRepository
	store   *vectorstore.Store
	backend vectorstore.Backend
}

// NewConsolidateCollections 返回 001 号迁移。
//
// up 逐个用户处理：读取旧集合的全部分块，补上 doc_id 元数据后写入用户集合，核对数量，
// 更新文档的 collection_id；只有该用户的所有文档都迁移成功后才删除其旧集合。
// down 从用户集合按 doc_id 重建旧集合，因此即使旧集合已被删除也可以回滚。
func NewConsolidateCollections(docs repository.DocumentRepository, store *vectorstore.Store) Migration {
	c := &consolidator{docs: docs, store: store, backend: store.Backend()}
	return Migration{
		Version: 1,
		Name:    "consolidate per-document collections into per-user collections",
		Up:      c.up,
		Down:    c.down,
		DryRun:  c.dryRun,
	}
}

type userDocs struct {
	userID uint
	docs   []model.Document
}

// groupByUser 依赖 FindAll 按 user_id, id 排序。
func (c *consolidator) groupByUser() ([]userDocs, error) {
	all, err := c.docs.FindAll()
	if err != nil {
		return nil, fmt.Errorf("读取文档列表失败: %w", err)
	}
	var groups []userDocs
	for _, d := range all {
		if len(groups) == 0 || groups[len(groups)-1].userID != d.UserID {
			groups = append(groups, userDocs{userID: d.UserID})
		}
		g := &groups[len(groups)-1]
		g.docs = append(g.docs, d)
	}
	return groups, nil
}

// legacyName 返回文档旧集合名；collection_id 为空的老数据按命名规则推导。
func legacyName(d model.Document) string {
	if d.CollectionID != "" {
		return d.CollectionID
	}
	return vectorstore.LegacyCollectionName(d.UserID, d.ID)
}

// toUserPoints 为旧分块补上 doc_id，并改用确定性 ID，避免不同文档的旧 ID 在同一集合中冲突。
func toUserPoints(docID uint, points []model.VectorPoint) []model.VectorPoint {
	out := make([]model.VectorPoint, 0, len(points))
	for _, p := range points {
		md := make(map[string]interface{}, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			md[k] = v
		}
		md[model.MetaDocID] = model.DocIDString(docID)
		id := fmt.Sprintf("doc_%d_legacy_%s", docID, p.ID)
		if _, ok := p.Metadata[model.MetaChunkIndex]; ok {
			id = model.ChunkPointID(docID, model.MetaInt(p.Metadata, model.MetaChunkIndex))
		}
		out = append(out, model.VectorPoint{ID: id, Vector: p.Vector, Text: p.Text, Metadata: md})
	}
	return out
}

func (c *consolidator) upsertBatches(ctx context.Context, name string, points []model.VectorPoint) error {
	for start := 0; start < len(points); start += consolidateBatchSize {
		end := min(start+consolidateBatchSize, len(points))
		if err := c.backend.Upsert(ctx, name, points[start:end]); err != nil {
			return fmt.Errorf("写入集合 %s 失败: %w", name, err)
		}
	}
	return nil
}

func (c *consolidator) countDoc(ctx context.Context, name string, docID uint) (int, error) {
	points, err := c.backend.Scan(ctx, name, vectorstore.Filter{DocIDs: []string{model.DocIDString(docID)}})
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

func (c *consolidator) up(ctx context.Context, rec *Recorder) error {
	groups, err := c.groupByUser()
	if err != nil {
		return err
	}
	rec.Infof("共 %d 个用户有文档", len(groups))

	var errs []error
	totalDocs, migratedDocs, movedChunks := 0, 0, 0
	for _, g := range groups {
		target := vectorstore.CollectionName(g.userID, vectorstore.PurposeDefault)
		rec.Infof("处理用户 %d, 文档 %d 篇, 目标集合 %s", g.userID, len(g.docs), target)
		totalDocs += len(g.docs)

		userOK := true
		var toDelete []string
		for _, d := range g.docs {
			if d.CollectionID == target {
				// 已迁移；旧集合可能因上次中断而残留
				leftover := vectorstore.LegacyCollectionName(g.userID, d.ID)
				if exists, err := c.backend.HasCollection(ctx, leftover); err == nil && exists {
					toDelete = append(toDelete, leftover)
				}
				continue
			}
			n, err := c.migrateDocument(ctx, rec, g.userID, d, target)
			if err != nil {
				rec.Errorf("  文档 %d 迁移失败: %v", d.ID, err)
				errs = append(errs, fmt.Errorf("user %d, doc %d: %w", g.userID, d.ID, err))
				userOK = false
				continue
			}
			toDelete = append(toDelete, legacyName(d))
			migratedDocs++
			movedChunks += n
		}

		if !userOK {
			rec.Warnf("用户 %d 存在未迁移的文档，保留其旧集合", g.userID)
			continue
		}
		for _, name := range toDelete {
			if err := c.store.DropCollection(ctx, name); err != nil {
				rec.Errorf("  删除旧集合 %s 失败: %v", name, err)
				errs = append(errs, fmt.Errorf("drop %s: %w", name, err))
				continue
			}
			rec.Infof("  已删除旧集合 %s", name)
		}
	}

	rec.Infof("汇总: 用户 %d, 文档 %d, 本次迁移 %d, 移动分块 %d, 错误 %d",
		len(groups), totalDocs, migratedDocs, movedChunks, len(errs))
	return errors.Join(errs...)
}

// migrateDocument 复制一篇文档的分块并更新其 collection_id，返回复制的分块数。
func (c *consolidator) migrateDocument(ctx context.Context, rec *Recorder, userID uint, d model.Document, target string) (int, error) {
	source := legacyName(d)
	exists, err := c.backend.HasCollection(ctx, source)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("旧集合 %s 不存在", source)
	}
	points, err := c.backend.Scan(ctx, source, vectorstore.Filter{})
	if err != nil {
		return 0, fmt.Errorf("读取旧集合 %s 失败: %w", source, err)
	}
	rec.Infof("  文档 %d: %s 中有 %d 个分块", d.ID, source, len(points))

	if len(points) > 0 {
		if _, err := c.store.EnsureCollection(ctx, userID, vectorstore.PurposeDefault, len(points[0].Vector)); err != nil {
			return 0, err
		}
		if err := c.upsertBatches(ctx, target, toUserPoints(d.ID, points)); err != nil {
			return 0, err
		}
		got, err := c.countDoc(ctx, target, d.ID)
		if err != nil {
			return 0, fmt.Errorf("核对分块数量失败: %w", err)
		}
		if got != len(points) {
			return 0, fmt.Errorf("分块数量不一致: 旧集合 %d, 新集合 %d", len(points), got)
		}
	}
	if err := c.docs.UpdateCollectionID(d.ID, target); err != nil {
		return 0, fmt.Errorf("更新文档 collection_id 失败: %w", err)
	}
	return len(points), nil
}

func (c *consolidator) down(ctx context.Context, rec *Recorder) error {
	groups, err := c.groupByUser()
	if err != nil {
		return err
	}

	var errs []error
	for _, g := range groups {
		source := vectorstore.CollectionName(g.userID, vectorstore.PurposeDefault)
		exists, err := c.backend.HasCollection(ctx, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !exists {
			rec.Warnf("用户 %d 的集合 %s 不存在，跳过", g.userID, source)
			continue
		}

		for _, d := range g.docs {
			if d.CollectionID != source {
				continue
			}
			if err := c.splitDocument(ctx, rec, g.userID, d, source); err != nil {
				rec.Errorf("  文档 %d 回滚失败: %v", d.ID, err)
				errs = append(errs, fmt.Errorf("user %d, doc %d: %w", g.userID, d.ID, err))
			}
		}

		remaining, err := c.backend.Scan(ctx, source, vectorstore.Filter{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(remaining) == 0 {
			if err := c.store.DropCollection(ctx, source); err != nil {
				errs = append(errs, err)
				continue
			}
			rec.Infof("  已删除空集合 %s", source)
		}
	}
	return errors.Join(errs...)
}

// splitDocument 把一篇文档的分块从用户集合移回 doc_{user}_{doc}。
func (c *consolidator) splitDocument(ctx context.Context, rec *Recorder, userID uint, d model.Document, source string) error {
	docKey := model.DocIDString(d.ID)
	points, err := c.backend.Scan(ctx, source, vectorstore.Filter{DocIDs: []string{docKey}})
	if err != nil {
		return err
	}
	if len(points) == 0 {
		rec.Warnf("  文档 %d 在 %s 中没有分块，保留当前映射", d.ID, source)
		return nil
	}

	legacy := vectorstore.LegacyCollectionName(userID, d.ID)
	// up 失败时旧集合可能仍在，按用户集合中已核对的副本重建，避免重复
	if err := c.backend.DropCollection(ctx, legacy); err != nil {
		return fmt.Errorf("清理集合 %s 失败: %w", legacy, err)
	}
	if err := c.backend.CreateCollection(ctx, legacy, len(points[0].Vector)); err != nil {
		return fmt.Errorf("创建集合 %s 失败: %w", legacy, err)
	}
	if err := c.upsertBatches(ctx, legacy, points); err != nil {
		return err
	}
	got, err := c.backend.Scan(ctx, legacy, vectorstore.Filter{})
	if err != nil {
		return err
	}
	if len(got) != len(points) {
		return fmt.Errorf("分块数量不一致: 用户集合 %d, 旧集合 %d", len(points), len(got))
	}
	if err := c.docs.UpdateCollectionID(d.ID, legacy); err != nil {
		return fmt.Errorf("更新文档 collection_id 失败: %w", err)
	}
	if err := c.backend.Delete(ctx, source, vectorstore.Filter{DocIDs: []string{docKey}}); err != nil {
		return fmt.Errorf("从 %s 删除文档 %d 失败: %w", source, d.ID, err)
	}
	rec.Infof("  文档 %d: %d 个分块已移回 %s", d.ID, len(points), legacy)
	return nil
}

func (c *consolidator) dryRun(ctx context.Context) (Preview, error) {
	groups, err := c.groupByUser()
	if err != nil {
		return Preview{}, err
	}

	usersToProcess, totalDocs, docsToMigrate, chunks := 0, 0, 0, 0
	toCreate := []string{}
	toDelete := []string{}
	for _, g := range groups {
		target := vectorstore.CollectionName(g.userID, vectorstore.PurposeDefault)
		totalDocs += len(g.docs)
		pending := 0
		for _, d := range g.docs {
			if d.CollectionID == target {
				continue
			}
			pending++
			source := legacyName(d)
			exists, err := c.backend.HasCollection(ctx, source)
			if err != nil {
				return Preview{}, err
			}
			if !exists {
				continue
			}
			points, err := c.backend.Scan(ctx, source, vectorstore.Filter{})
			if err != nil {
				return Preview{}, err
			}
			chunks += len(points)
			toDelete = append(toDelete, source)
		}
		if pending == 0 {
			continue
		}
		usersToProcess++
		docsToMigrate += pending
		exists, err := c.backend.HasCollection(ctx, target)
		if err != nil {
			return Preview{}, err
		}
		if !exists {
			toCreate = append(toCreate, target)
		}
	}

	var p Preview
	p.Add("total_users", len(groups))
	p.Add("users_to_process", usersToProcess)
	p.Add("total_documents", totalDocs)
	p.Add("documents_to_migrate", docsToMigrate)
	p.Add("estimated_chunks", chunks)
	p.Add("collections_to_create", toCreate)
	p.Add("collections_to_delete", toDelete)
	return p, nil
}
