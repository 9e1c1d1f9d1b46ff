package data

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Check result documents:
// {
//   _id: uuid,
//   monitor_id, region_id, region,
//   status: "up" | "down" | "degraded",
//   status_code, response_ms, message,
//   created_at
// }

// EnsureIndexes creates the indexes the dispatcher, worker and sweeper queries rely on
func (db *MongoDB) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		monitorsCollection: {
			{Keys: bson.D{{Key: "next_check_time", Value: 1}}},
		},
		checksCollection: {
			// retention deletes by region and age
			{Keys: bson.D{{Key: "region_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "monitor_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		regionsCollection: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := db.coll(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "create indexes on %s", coll)
		}
	}
	return nil
}
