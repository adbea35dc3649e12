package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ConnectRedis opens the redis client backing velocity tracking and token
// revocation. Redis is optional: an unreachable server returns nil, velocity
// tracking fails open, and revocation is disabled.
func ConnectRedis(log *logrus.Logger) *redis.Client {
	addr := viper.GetString("redis.host") + ":" + viper.GetString("redis.port")
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("[DATABASE] redis unreachable, continuing without it")
		return nil
	}

	log.WithField("addr", addr).Info("[DATABASE] redis connection established")
	return rdb
}
