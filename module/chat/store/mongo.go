package store

import (
	"chatty/data/database"
	"chatty/module/chat/model"
	"chatty/tools/errs"
	"chatty/tools/ids"
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ database.Table = (*model.Message)(nil)

type Mongo struct {
	coll *mongo.Collection
}

func NewMongo(ctx context.Context, db *mongo.Database) (*Mongo, error) {
	coll := (&model.Message{}).Collection(db)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("idx_pair_created"),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create messages index")
	}
	return &Mongo{coll: coll}, nil
}

func (m *Mongo) Insert(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		return errs.WrapMsg(err, "insert message", "id", msg.ID)
	}
	return nil
}

func (m *Mongo) Conversation(ctx context.Context, a, b string) ([]*model.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": a, "receiver_id": b},
		bson.M{"sender_id": b, "receiver_id": a},
	}}
	cur, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversation")
	}
	out := make([]*model.Message, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode conversation")
	}
	return out, nil
}
