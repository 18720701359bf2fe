package config

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongorepo "github.com/yoockh/threadline/internal/repositories/mongo"
)

func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	chunks := db.Collection(mongorepo.ChunkCollection)
	_, err := chunks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// TTL index: expire at expires_at (must be Date)
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_expires_at").
				SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().
				SetName("uniq_message_seq").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("by_thread_ts"),
		},
	})
	return err
}
