package database

import "go.mongodb.org/mongo-driver/mongo"

// Table is implemented by the persisted models; the name doubles as the postgres table.
type Table interface {
	GetTableName() string
	Collection(db *mongo.Database) *mongo.Collection
}
