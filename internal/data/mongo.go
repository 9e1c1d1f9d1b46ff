package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/larntz/status-dispatch/internal/checks"
)

const (
	mongoDatabase       = "status"
	monitorsCollection  = "monitors"
	checksCollection    = "checks"
	regionsCollection   = "regions"
	leasesCollection    = "leases"
	mongoConnectTimeout = 10 * time.Second
)

// MongoDB struct implements the Database interface
type MongoDB struct {
	ConnectionString string
	Client           *mongo.Client
}

// Connect to mongo server
func (db *MongoDB) Connect(ctx context.Context) error {
	if db.ConnectionString == "" {
		return errors.New("mongo connection string is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(db.ConnectionString).
		SetMaxPoolSize(500).
		SetMinPoolSize(50)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "mongo connect")
	}

	// Ping the primary
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return errors.Wrap(err, "mongo ping")
	}
	db.Client = client
	return db.EnsureIndexes(ctx)
}

// Disconnect Mongo
func (db *MongoDB) Disconnect(ctx context.Context) error {
	if db.Client == nil {
		return nil
	}
	return db.Client.Disconnect(ctx)
}

// Ping the primary
func (db *MongoDB) Ping(ctx context.Context) error {
	return db.Client.Ping(ctx, readpref.Primary())
}

func (db *MongoDB) coll(name string) *mongo.Collection {
	return db.Client.Database(mongoDatabase).Collection(name)
}

// FindDueMonitors returns monitors that are due or were never scheduled
func (db *MongoDB) FindDueMonitors(ctx context.Context, now time.Time) ([]checks.Monitor, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"next_check_time": bson.M{"$lte": now}},
		// matches both null and missing
		bson.M{"next_check_time": nil},
	}}
	cursor, err := db.coll(monitorsCollection).Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "find due monitors")
	}
	var monitors []checks.Monitor
	if err := cursor.All(ctx, &monitors); err != nil {
		return nil, errors.Wrap(err, "decode due monitors")
	}
	return monitors, nil
}

// UpdateNextCheckTime sets when the monitor is due next
func (db *MongoDB) UpdateNextCheckTime(ctx context.Context, monitorID string, next time.Time) error {
	res, err := db.coll(monitorsCollection).UpdateByID(ctx, monitorID, bson.M{"$set": bson.M{"next_check_time": next}})
	if err != nil {
		return errors.Wrapf(err, "update next check time of %s", monitorID)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNotFound, "monitor %s", monitorID)
	}
	return nil
}

// RecordCheckResult inserts the result and stamps the monitor
func (db *MongoDB) RecordCheckResult(ctx context.Context, result checks.CheckResult) (checks.Status, error) {
	result.Normalize()
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if _, err := db.coll(checksCollection).InsertOne(ctx, result); err != nil {
		return checks.StatusUnknown, errors.Wrap(err, "insert check result")
	}

	var before checks.Monitor
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	update := bson.M{"$set": bson.M{"last_checked": result.CreatedAt, "last_status": result.Status}}
	err := db.coll(monitorsCollection).FindOneAndUpdate(ctx, bson.M{"_id": result.MonitorID}, update, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// monitor was deleted while its job was in flight
		return checks.StatusUnknown, nil
	}
	if err != nil {
		return checks.StatusUnknown, errors.Wrapf(err, "stamp monitor %s", result.MonitorID)
	}
	return before.LastStatus, nil
}

// DeleteChecksOlderThan removes results of one region created before cutoff
func (db *MongoDB) DeleteChecksOlderThan(ctx context.Context, cutoff time.Time, regionID string) (int64, error) {
	res, err := db.coll(checksCollection).DeleteMany(ctx, bson.M{
		"region_id":  regionID,
		"created_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, errors.Wrap(err, "delete old checks")
	}
	return res.DeletedCount, nil
}

// EnsureRegion finds or creates the region by name
func (db *MongoDB) EnsureRegion(ctx context.Context, name string) (checks.Region, error) {
	var region checks.Region
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	update := bson.M{"$setOnInsert": bson.M{"_id": uuid.NewString(), "name": name}}
	err := db.coll(regionsCollection).FindOneAndUpdate(ctx, bson.M{"name": name}, update, opts).Decode(&region)
	if mongo.IsDuplicateKeyError(err) {
		// lost an insert race, the winner's row is there now
		return db.GetRegion(ctx, name)
	}
	if err != nil {
		return checks.Region{}, errors.Wrapf(err, "ensure region %s", name)
	}
	return region, nil
}

// GetRegion looks a region up by name
func (db *MongoDB) GetRegion(ctx context.Context, name string) (checks.Region, error) {
	var region checks.Region
	err := db.coll(regionsCollection).FindOne(ctx, bson.M{"name": name}).Decode(&region)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return checks.Region{}, errors.Wrapf(ErrNotFound, "region %s", name)
	}
	if err != nil {
		return checks.Region{}, errors.Wrapf(err, "get region %s", name)
	}
	return region, nil
}

// CreateMonitor upserts the monitor by id
func (db *MongoDB) CreateMonitor(ctx context.Context, m checks.Monitor) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	opts := options.Replace().SetUpsert(true)
	_, err := db.coll(monitorsCollection).ReplaceOne(ctx, bson.M{"_id": m.ID}, m, opts)
	return errors.Wrapf(err, "create monitor %s", m.ID)
}

// AcquireLease upserts the lease document when it is free, expired or already ours.
// A duplicate key error means somebody else holds it.
func (db *MongoDB) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	filter := bson.M{
		"_id": name,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$lt": now}},
			bson.M{"holder": holder},
		},
	}
	update := bson.M{"$set": bson.M{"holder": holder, "expires_at": now.Add(ttl)}}
	_, err := db.coll(leasesCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease %s", name)
	}
	return true, nil
}

// ReleaseLease drops the lease if holder still owns it
func (db *MongoDB) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := db.coll(leasesCollection).DeleteOne(ctx, bson.M{"_id": name, "holder": holder})
	return errors.Wrapf(err, "release lease %s", name)
}
