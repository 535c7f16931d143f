package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"access_service/internal/config"
	"access_service/internal/events"
	"access_service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type BackupCodeStore interface {
	InsertBatch(ctx context.Context, codes []*models.BackupCode) error
	FindByUser(ctx context.Context, userID bson.ObjectID) ([]*models.BackupCode, error)
	MarkConsumed(ctx context.Context, id bson.ObjectID) (bool, error)
	DeleteUnconsumed(ctx context.Context, userID bson.ObjectID) error
	CountUnconsumed(ctx context.Context, userID bson.ObjectID) (int64, error)
}

type ConsumeStatus string

const (
	ConsumeAccepted    ConsumeStatus = "accepted"
	ConsumeInvalid     ConsumeStatus = "invalid"
	ConsumeAlreadyUsed ConsumeStatus = "already_used"
)

type ConsumeResult struct {
	Status             ConsumeStatus
	Remaining          int64
	RegenerateRequired bool
}

// BackupCodeService issues and consumes single-use recovery codes. Codes
// are stored hashed with the same KDF as passwords; consumption is an
// atomic check-and-mark, so of two concurrent requests presenting the same
// code exactly one is accepted.
type BackupCodeService struct {
	codes          BackupCodeStore
	eventPublisher events.Publisher
	codeCount      int
}

func NewBackupCodeService(codes BackupCodeStore, eventPublisher events.Publisher) *BackupCodeService {
	return &BackupCodeService{
		codes:          codes,
		eventPublisher: eventPublisher,
		codeCount:      config.ServiceConfig.BackupCodeCount,
	}
}

func (bs *BackupCodeService) audit(ctx context.Context, eventType events.EventType, userID string, detail map[string]string) {
	if bs.eventPublisher == nil {
		return
	}
	if err := bs.eventPublisher.PublishAuthEvent(ctx, eventType, userID, detail); err != nil {
		log.Printf("Warning: Failed to publish audit event %s: %v", eventType, err)
	}
}

// Generate mints a fresh batch, invalidating every prior unconsumed code.
// Plaintext codes are returned exactly once and never stored.
func (bs *BackupCodeService) Generate(ctx context.Context, userID bson.ObjectID) ([]string, error) {
	if err := bs.codes.DeleteUnconsumed(ctx, userID); err != nil {
		return nil, err
	}

	plaintexts := make([]string, 0, bs.codeCount)
	batch := make([]*models.BackupCode, 0, bs.codeCount)

	for i := 0; i < bs.codeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}

		codeHash, err := HashPassword(code)
		if err != nil {
			return nil, fmt.Errorf("error hashing backup code: %w", err)
		}

		plaintexts = append(plaintexts, code)
		batch = append(batch, &models.BackupCode{
			UserID:   userID,
			CodeHash: codeHash,
		})
	}

	if err := bs.codes.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}

	bs.audit(ctx, events.BackupCodesGenerated, userID.Hex(), map[string]string{"count": fmt.Sprint(bs.codeCount)})
	return plaintexts, nil
}

// Consume validates a code and flips it to consumed in one logically
// indivisible step. The loser of a race on the same code observes
// already_used. When the accepted code was the last one, the result carries
// the regeneration flag.
func (bs *BackupCodeService) Consume(ctx context.Context, userID bson.ObjectID, code string) (*ConsumeResult, error) {
	normalized := normalizeBackupCode(code)

	stored, err := bs.codes.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error loading backup codes: %w", err)
	}

	var matched *models.BackupCode
	for _, candidate := range stored {
		ok, err := VerifyPassword(candidate.CodeHash, normalized)
		if err != nil {
			return nil, fmt.Errorf("error verifying backup code: %w", err)
		}
		if ok {
			matched = candidate
			break
		}
	}

	if matched == nil {
		bs.audit(ctx, events.BackupCodeRejected, userID.Hex(), nil)
		return &ConsumeResult{Status: ConsumeInvalid}, nil
	}

	if matched.Consumed {
		bs.audit(ctx, events.BackupCodeReplayed, userID.Hex(), nil)
		return &ConsumeResult{Status: ConsumeAlreadyUsed}, nil
	}

	flipped, err := bs.codes.MarkConsumed(ctx, matched.ID)
	if err != nil {
		return nil, err
	}
	if !flipped {
		// Lost the race to a concurrent consume of the same code.
		bs.audit(ctx, events.BackupCodeReplayed, userID.Hex(), nil)
		return &ConsumeResult{Status: ConsumeAlreadyUsed}, nil
	}

	remaining, err := bs.codes.CountUnconsumed(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ConsumeResult{
		Status:             ConsumeAccepted,
		Remaining:          remaining,
		RegenerateRequired: remaining == 0,
	}

	bs.audit(ctx, events.BackupCodeAccepted, userID.Hex(), map[string]string{"remaining": fmt.Sprint(remaining)})
	if remaining == 0 {
		bs.audit(ctx, events.BackupCodesExhausted, userID.Hex(), nil)
	}
	return result, nil
}

func (bs *BackupCodeService) Remaining(ctx context.Context, userID bson.ObjectID) (int64, error) {
	return bs.codes.CountUnconsumed(ctx, userID)
}

// newBackupCode produces a code like "3f9c-a01b": 8 hex characters from a
// cryptographically secure source.
func newBackupCode() (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("error generating backup code: %w", err)
	}
	encoded := hex.EncodeToString(raw)
	return encoded[:4] + "-" + encoded[4:], nil
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
