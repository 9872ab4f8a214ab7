package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"webhook-deploy/internal/config"
	"webhook-deploy/internal/models"
)

// MongoHistory mirrors terminal runs into a MongoDB collection so history
// survives host log rotation. Optional; the file store stays authoritative.
type MongoHistory struct {
	client *mongo.Client
	coll   *mongo.Collection
	ttl    time.Duration
}

type runDocument struct {
	RunID     string           `bson:"run_id"`
	Run       models.DeployRun `bson:"run"`
	CreatedAt time.Time        `bson:"created_at"`
}

// NewMongoHistory connects and pings the configured MongoDB instance.
func NewMongoHistory(ctx context.Context, cfg *config.MongoConfig) (*MongoHistory, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(10).
		SetConnectTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongo ping: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"database":   cfg.Database,
		"collection": cfg.Collection,
	}).Info("Connected to MongoDB for run history")

	return &MongoHistory{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		ttl:    cfg.TTL,
	}, nil
}

// SaveRun upserts a terminal run keyed by run ID.
func (m *MongoHistory) SaveRun(ctx context.Context, run *models.DeployRun) error {
	filter := bson.M{"run_id": run.ID}
	update := bson.M{"$set": runDocument{
		RunID:     run.ID,
		Run:       *run,
		CreatedAt: time.Now(),
	}}
	_, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo upsert run %s: %v", run.ID, err)
	}
	return nil
}

// CleanOld removes history documents older than the configured TTL.
func (m *MongoHistory) CleanOld(ctx context.Context) error {
	res, err := m.coll.DeleteMany(ctx, bson.M{
		"created_at": bson.M{"$lt": time.Now().Add(-m.ttl)},
	})
	if err != nil {
		return fmt.Errorf("mongo cleanup: %v", err)
	}
	if res.DeletedCount > 0 {
		logrus.WithField("deleted", res.DeletedCount).Info("Cleaned old run history")
	}
	return nil
}

// Maintain runs CleanOld once a day until stop is closed.
func (m *MongoHistory) Maintain(stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.CleanOld(ctx); err != nil {
				logrus.Errorf("Run history cleanup failed: %v", err)
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// Close disconnects the client.
func (m *MongoHistory) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
