package repository

import (
	"context"
	"fmt"
	"time"

	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type BackupCodeRepository struct {
	collection *mongo.Collection
}

func NewBackupCodeRepository(db *mongo.Database) *BackupCodeRepository {
	return &BackupCodeRepository{
		collection: db.Collection("BackupCode"),
	}
}

func (r *BackupCodeRepository) InsertBatch(ctx context.Context, codes []*models.BackupCode) error {
	currentTime := time.Now().Unix()
	docs := make([]any, 0, len(codes))
	for _, code := range codes {
		if code.ID.IsZero() {
			code.ID = bson.NewObjectID()
		}
		if code.CreatedAt == 0 {
			code.CreatedAt = currentTime
		}
		docs = append(docs, code)
	}

	if _, err := r.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert backup codes: %w", err)
	}
	return nil
}

func (r *BackupCodeRepository) FindByUser(ctx context.Context, userID bson.ObjectID) ([]*models.BackupCode, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var codes []*models.BackupCode
	if err = cursor.All(ctx, &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// MarkConsumed flips a code to consumed only if it is still unconsumed.
// Concurrent callers racing on the same code see exactly one true result.
func (r *BackupCodeRepository) MarkConsumed(ctx context.Context, id bson.ObjectID) (bool, error) {
	filter := bson.M{"_id": id, "consumed": false}
	update := bson.M{"$set": bson.M{
		"consumed":   true,
		"consumedAt": time.Now().Unix(),
	}}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

// DeleteUnconsumed invalidates every remaining code for the user. Consumed
// rows are kept for audit.
func (r *BackupCodeRepository) DeleteUnconsumed(ctx context.Context, userID bson.ObjectID) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{"userId": userID, "consumed": false})
	if err != nil {
		return fmt.Errorf("failed to invalidate backup codes: %w", err)
	}
	return nil
}

func (r *BackupCodeRepository) CountUnconsumed(ctx context.Context, userID bson.ObjectID) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"userId": userID, "consumed": false})
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}
