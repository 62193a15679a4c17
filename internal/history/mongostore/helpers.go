package mongostore

import (
	"context"
	"errors"

	"taskbench/internal/history"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// 通用 CRUD 辅助函数（泛型）
// ============================================================================

// findOne 查询单个文档，未找到时返回 (nil, nil)
func findOne[T any](ctx context.Context, col *mongo.Collection, filter bson.M) (*T, error) {
	var doc T
	err := col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapError(err)
	}
	return &doc, nil
}

// findMany 查询多个文档
func findMany[T any](ctx context.Context, col *mongo.Collection, filter bson.M, opts ...options.Lister[options.FindOptions]) ([]*T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cursor.Close(ctx)

	var docs []*T
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapError(err)
	}
	return docs, nil
}

// insertOne 插入单个文档
func insertOne(ctx context.Context, col *mongo.Collection, doc interface{}) error {
	_, err := col.InsertOne(ctx, doc)
	return wrapError(err)
}

// updateFields 按 _id 更新指定字段，目标不存在时返回 history.ErrNotFound
func updateFields(ctx context.Context, col *mongo.Collection, id string, fields bson.M) error {
	result, err := col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return wrapError(err)
	}
	if result.MatchedCount == 0 {
		return history.ErrNotFound
	}
	return nil
}

// deleteByID 按 _id 删除文档，目标不存在时返回 history.ErrNotFound
func deleteByID(ctx context.Context, col *mongo.Collection, id string) error {
	result, err := col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapError(err)
	}
	if result.DeletedCount == 0 {
		return history.ErrNotFound
	}
	return nil
}

// wrapError 将 MongoDB 错误映射为存储层错误
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return history.ErrDuplicate
	}
	return err
}
