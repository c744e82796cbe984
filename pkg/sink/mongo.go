package sink

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/models"
)

// mongoCollection is the part of *mongo.Collection the sink uses
type mongoCollection interface {
	BulkWrite(ctx context.Context, writes []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// Mongo upserts users and posts into the user and weibo collections, keyed
// by their id field
type Mongo struct {
	users      mongoCollection
	posts      mongoCollection
	disconnect func(context.Context) error
}

// NewMongo connects to uri and uses database db
func NewMongo(ctx context.Context, uri, db string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "mongo connect")
	}
	pingMongo := func(ctx context.Context) error { return client.Ping(ctx, nil) }
	if err := ping(ctx, "mongo", pingMongo, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errs.Wrap(errs.ErrorTypePersistence, err, "mongo ping")
	}
	database := client.Database(db)
	m := newMongo(database.Collection("user"), database.Collection("weibo"))
	m.disconnect = client.Disconnect
	return m, nil
}

func newMongo(users, posts mongoCollection) *Mongo {
	return &Mongo{
		users:      users,
		posts:      posts,
		disconnect: func(context.Context) error { return nil },
	}
}

func (s *Mongo) Name() string { return "mongo" }

func (s *Mongo) Close() error {
	return s.disconnect(context.Background())
}

func replaceByID(id string, doc interface{}) mongo.WriteModel {
	return mongo.NewReplaceOneModel().
		SetFilter(bson.M{"id": id}).
		SetReplacement(doc).
		SetUpsert(true)
}

func (s *Mongo) WriteUser(ctx context.Context, u models.User) error {
	_, err := s.users.BulkWrite(ctx, []mongo.WriteModel{replaceByID(u.ID, u)})
	if err != nil {
		return errs.Wrap(errs.ErrorTypePersistence, err, "upsert user")
	}
	return nil
}

func (s *Mongo) WritePosts(ctx context.Context, user models.User, rows []models.Post) error {
	if len(rows) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(rows))
	for _, p := range rows {
		writes = append(writes, replaceByID(p.ID, p))
	}
	_, err := s.posts.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return errs.Wrap(errs.ErrorTypePersistence, err, "upsert posts")
	}
	return nil
}
