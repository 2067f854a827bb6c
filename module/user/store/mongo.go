package store

import (
	"chatty/data/database"
	"chatty/data/database/mgo/mongoutil"
	"chatty/module/user/model"
	"chatty/tools/errs"
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ database.Table = (*model.User)(nil)

type Mongo struct {
	coll *mongo.Collection
}

// NewMongo binds the users collection and makes sure email is unique.
func NewMongo(ctx context.Context, db *mongo.Database) (*Mongo, error) {
	coll := (&model.User{}).Collection(db)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_email"),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create users index")
	}
	return &Mongo{coll: coll}, nil
}

func (m *Mongo) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = primitive.NewObjectID().Hex()
	}
	u.Email = normEmail(u.Email)
	if _, err := m.coll.InsertOne(ctx, u); err != nil {
		if mongoutil.IsDuplicateKey(err) {
			return errs.ErrDuplicateKey.WrapMsg("Email already exists")
		}
		return errs.WrapMsg(err, "insert user")
	}
	return nil
}

func (m *Mongo) GetByID(ctx context.Context, id string) (*model.User, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *Mongo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return m.findOne(ctx, bson.M{"email": normEmail(email)})
}

func (m *Mongo) UpdateProfilePic(ctx context.Context, id, url string, at time.Time) (*model.User, error) {
	var u model.User
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"profile_pic": url, "updated_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&u)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (m *Mongo) ListExcept(ctx context.Context, id string) ([]*model.User, error) {
	cur, err := m.coll.Find(ctx, bson.M{"_id": bson.M{"$ne": id}},
		options.Find().SetSort(bson.D{{Key: "full_name", Value: 1}}).SetProjection(bson.M{"password": 0}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find users")
	}
	out := make([]*model.User, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode users")
	}
	return out, nil
}

func (m *Mongo) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var u model.User
	if err := m.coll.FindOne(ctx, filter).Decode(&u); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrRecordNotFound.WrapMsg("User not found")
	}
	return errs.WrapMsg(err, "find user")
}

func normEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
