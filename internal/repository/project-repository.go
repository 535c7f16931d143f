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

type ProjectResourceRepository struct {
	collection *mongo.Collection
}

func NewProjectResourceRepository(db *mongo.Database) *ProjectResourceRepository {
	return &ProjectResourceRepository{
		collection: db.Collection("ProjectResource"),
	}
}

func (r *ProjectResourceRepository) Attach(ctx context.Context, attachment *models.ProjectResource) (*models.ProjectResource, error) {
	filter := bson.M{
		"resourceType": attachment.ResourceType,
		"resourceId":   attachment.ResourceID,
	}

	var existing models.ProjectResource
	err := r.collection.FindOne(ctx, filter).Decode(&existing)
	if err == nil {
		return nil, fmt.Errorf("resource is already attached to project %s", existing.ProjectID)
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("error checking existing attachment: %w", err)
	}

	if attachment.ID.IsZero() {
		attachment.ID = bson.NewObjectID()
	}
	if attachment.AttachedAt == 0 {
		attachment.AttachedAt = time.Now().Unix()
	}

	if _, err := r.collection.InsertOne(ctx, attachment); err != nil {
		return nil, fmt.Errorf("failed to insert attachment: %w", err)
	}
	return attachment, nil
}

// ProjectOf returns the owning project of a resource, if any.
func (r *ProjectResourceRepository) ProjectOf(ctx context.Context, resourceType models.ResourceType, resourceID string) (string, bool, error) {
	var attachment models.ProjectResource
	err := r.collection.FindOne(ctx, bson.M{
		"resourceType": resourceType,
		"resourceId":   resourceID,
	}).Decode(&attachment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, err
	}
	return attachment.ProjectID, true, nil
}

func (r *ProjectResourceRepository) ResourcesOf(ctx context.Context, projectID string) ([]*models.ProjectResource, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"projectId": projectID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var attachments []*models.ProjectResource
	if err = cursor.All(ctx, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}
