package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type GrantRepository struct {
	collection *mongo.Collection
}

func NewGrantRepository(db *mongo.Database) *GrantRepository {
	return &GrantRepository{
		collection: db.Collection("PermissionGrant"),
	}
}

func resourceFilter(resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) bson.M {
	return bson.M{
		"resourceType": resourceType,
		"resourceId":   resourceID,
		"principalId":  principalID,
	}
}

func (r *GrantRepository) Find(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) (*models.PermissionGrant, error) {
	var grant models.PermissionGrant
	err := r.collection.FindOne(ctx, resourceFilter(resourceType, resourceID, principalID)).Decode(&grant)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

// Insert adds a grant row. Exactly one row may exist per (resource,
// principal); a duplicate insert is rejected.
func (r *GrantRepository) Insert(ctx context.Context, grant *models.PermissionGrant) (*models.PermissionGrant, error) {
	existing, err := r.Find(ctx, grant.ResourceType, grant.ResourceID, grant.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("error checking existing grant: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("principal already has a grant on this resource")
	}

	if grant.ID.IsZero() {
		grant.ID = bson.NewObjectID()
	}
	if grant.GrantedAt == 0 {
		grant.GrantedAt = time.Now().Unix()
	}

	if _, err := r.collection.InsertOne(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to insert grant: %w", err)
	}
	return grant, nil
}

func (r *GrantRepository) UpdateRole(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID, role models.Role) (bool, error) {
	update := bson.M{"$set": bson.M{"role": role}}
	result, err := r.collection.UpdateOne(ctx, resourceFilter(resourceType, resourceID, principalID), update)
	if err != nil {
		return false, fmt.Errorf("failed to update grant role: %w", err)
	}
	return result.MatchedCount > 0, nil
}

func (r *GrantRepository) Delete(ctx context.Context, resourceType models.ResourceType, resourceID string, principalID bson.ObjectID) (bool, error) {
	result, err := r.collection.DeleteOne(ctx, resourceFilter(resourceType, resourceID, principalID))
	if err != nil {
		return false, fmt.Errorf("failed to delete grant: %w", err)
	}
	return result.DeletedCount > 0, nil
}

func (r *GrantRepository) FindByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]*models.PermissionGrant, error) {
	cursor, err := r.collection.Find(ctx, bson.M{
		"resourceType": resourceType,
		"resourceId":   resourceID,
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var grants []*models.PermissionGrant
	if err = cursor.All(ctx, &grants); err != nil {
		return nil, err
	}
	return grants, nil
}

// HasAny reports whether the resource has at least one grant row. A
// registered resource always has its owner grant, so this doubles as an
// existence check.
func (r *GrantRepository) HasAny(ctx context.Context, resourceType models.ResourceType, resourceID string) (bool, error) {
	err := r.collection.FindOne(ctx, bson.M{
		"resourceType": resourceType,
		"resourceId":   resourceID,
	}).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
