package model

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const UserTableName = "users"

// User 账号主档；Password 为 bcrypt 哈希，永不出现在 JSON 中
type User struct {
	ID         string    `bson:"_id" json:"_id"`
	Email      string    `bson:"email" json:"email"`
	FullName   string    `bson:"full_name" json:"fullName"`
	Password   string    `bson:"password" json:"-"`
	ProfilePic string    `bson:"profile_pic" json:"profilePic"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

func (u *User) GetUserID() string { return u.ID }

func (u *User) GetTableName() string { return UserTableName }

// Collection resolves the users collection on db.
func (u *User) Collection(db *mongo.Database) *mongo.Collection {
	return db.Collection(u.GetTableName())
}
