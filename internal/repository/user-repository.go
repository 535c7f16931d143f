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

type UserAuthRepository struct {
	collection *mongo.Collection
}

func NewUserAuthRepository(db *mongo.Database) *UserAuthRepository {
	return &UserAuthRepository{
		collection: db.Collection("UserAuth"),
	}
}

func (r *UserAuthRepository) Insert(ctx context.Context, user *models.UserAuth) (*models.UserAuth, error) {
	existing, err := r.FindByEmail(ctx, user.Email)
	if err != nil {
		return nil, fmt.Errorf("error checking existing user: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("user with email %s already exists", user.Email)
	}

	if user.ID.IsZero() {
		user.ID = bson.NewObjectID()
	}

	currentTime := time.Now().Unix()
	if user.CreatedAt == 0 {
		user.CreatedAt = currentTime
	}
	user.UpdatedAt = currentTime

	if _, err := r.collection.InsertOne(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

func (r *UserAuthRepository) FindByID(ctx context.Context, id bson.ObjectID) (*models.UserAuth, error) {
	var user models.UserAuth
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserAuthRepository) FindByEmail(ctx context.Context, email string) (*models.UserAuth, error) {
	var user models.UserAuth
	err := r.collection.FindOne(ctx, bson.M{"email": email}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserAuthRepository) UpdatePasswordHash(ctx context.Context, id bson.ObjectID, passwordHash string) error {
	update := bson.M{"$set": bson.M{
		"passwordHash": passwordHash,
		"updatedAt":    time.Now().Unix(),
	}}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return nil
}

func (r *UserAuthRepository) UpdateTOTP(ctx context.Context, id bson.ObjectID, secret string, state models.TOTPState) error {
	update := bson.M{"$set": bson.M{
		"totpSecret": secret,
		"totpState":  state,
		"updatedAt":  time.Now().Unix(),
	}}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update second factor state: %w", err)
	}
	return nil
}

func (r *UserAuthRepository) RecordLogin(ctx context.Context, id bson.ObjectID, at int64) error {
	update := bson.M{"$set": bson.M{"lastLoginAt": at}}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// Deactivate disables the account. Users are never deleted.
func (r *UserAuthRepository) Deactivate(ctx context.Context, id bson.ObjectID) error {
	update := bson.M{"$set": bson.M{
		"isActive":  false,
		"updatedAt": time.Now().Unix(),
	}}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return nil
}
