package repository

import "access_service/internal/database/mongo"

type Repositories struct {
	RedisRepository           *RedisRepo
	UserAuthRepository        *UserAuthRepository
	SessionRepository         *SessionRepository
	ChallengeRepository       *ChallengeRepository
	LockoutRepository         *LockoutRepository
	BackupCodeRepository      *BackupCodeRepository
	GrantRepository           *GrantRepository
	ProjectResourceRepository *ProjectResourceRepository
}

var Repositories_instance = newRepositories()

func newRepositories() *Repositories {
	redisRepo := NewRedisRepo()
	return &Repositories{
		RedisRepository:           redisRepo,
		UserAuthRepository:        NewUserAuthRepository(mongo.Mongo_Database),
		SessionRepository:         NewSessionRepository(redisRepo),
		ChallengeRepository:       NewChallengeRepository(redisRepo),
		LockoutRepository:         NewLockoutRepository(redisRepo),
		BackupCodeRepository:      NewBackupCodeRepository(mongo.Mongo_Database),
		GrantRepository:           NewGrantRepository(mongo.Mongo_Database),
		ProjectResourceRepository: NewProjectResourceRepository(mongo.Mongo_Database),
	}
}
