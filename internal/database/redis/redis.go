package redis

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Protocol int
}

var Redis_Client *redis.Client

func init() {
	config := loadConfig()
	Redis_Client = redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		Protocol: config.Protocol,
	})
	if err := Redis_Client.Ping(context.Background()).Err(); err != nil {
		log.Printf("Error connect to Redis: %s", err)
	}
}

func loadConfig() *RedisConfig {
	redis_db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	redis_protocol, _ := strconv.Atoi(os.Getenv("REDIS_PROTOCOL"))
	return &RedisConfig{
		Address:  os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PWD"),
		DB:       redis_db,
		Protocol: redis_protocol,
	}
}
