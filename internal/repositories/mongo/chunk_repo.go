package mongo

import (
	"context"
	"time"

	"github.com/yoockh/threadline/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const ChunkCollection = "generation_chunks"

// ChunkRepository journals streamed chunks so an observer that connects
// mid-generation can catch up.
type ChunkRepository interface {
	Append(ctx context.Context, rec *models.ChunkRecord) error
	ListByMessage(ctx context.Context, messageID string, afterSeq int64) ([]models.ChunkRecord, error)
}

type chunkRepo struct {
	col *mongo.Collection
}

func NewChunkRepo(db *mongo.Database) ChunkRepository {
	return &chunkRepo{col: db.Collection(ChunkCollection)}
}

func (r *chunkRepo) Append(ctx context.Context, rec *models.ChunkRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		// the same seq was already journaled
		return nil
	}
	return err
}

func (r *chunkRepo) ListByMessage(ctx context.Context, messageID string, afterSeq int64) ([]models.ChunkRecord, error) {
	cur, err := r.col.Find(ctx,
		bson.M{"message_id": messageID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.ChunkRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
