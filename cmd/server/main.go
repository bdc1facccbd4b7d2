package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"privchat/config"
	"privchat/internal/repository/keys"
	"privchat/internal/repository/messages"
	"privchat/internal/service/custody"
	redisSvc "privchat/internal/service/redis"
	"privchat/internal/service/server"
	"privchat/internal/utils/log"
)

const sessionMaxAge = 30 * 24 * time.Hour

func main() {
	v, err := config.LoadConfig("config")
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		log.Fatal("parse config failed", zap.Error(err))
	}

	mongoClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redis := redisSvc.NewRedis(rdb)

	keyRepo := keys.NewKeyRepo(db)
	sessionRepo := keys.NewSessionRepo(db)
	messageRepo := messages.NewMessageRepo(db)
	custodySvc := custody.NewService(keyRepo, sessionRepo)

	go runSessionCleanup(custodySvc)

	s := server.NewHttpServer(cfg.Server.Addr, custodySvc, messageRepo, redis)
	if err := s.Run(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// runSessionCleanup reaps stale sessions once a day.
func runSessionCleanup(custodySvc *custody.Service) {
	for range time.Tick(24 * time.Hour) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := custodySvc.CleanupSessions(ctx, time.Now().Add(-sessionMaxAge)); err != nil {
			log.Error("session cleanup failed", zap.Error(err))
		}
		cancel()
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
