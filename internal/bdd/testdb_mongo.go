package bdd

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/testutil/cucumber"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoTestDB implements cucumber.TestDB for MongoDB.
type MongoTestDB struct {
	DBURL    string
	Database string
}

var _ cucumber.TestDB = (*MongoTestDB)(nil)

func (m *MongoTestDB) ClearAll(ctx context.Context) error {
	client, err := mongo.Connect(options.Client().ApplyURI(m.DBURL))
	if err != nil {
		return fmt.Errorf("mongo connect: %w", err)
	}
	defer func() { _ = client.Disconnect(ctx) }()

	db := client.Database(m.Database)
	for _, coll := range chatTables {
		if _, err := db.Collection(coll).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("cleanup: failed to clear %s: %w", coll, err)
		}
	}
	return nil
}

// ExecSQL has no meaning for a document store; SQL assertions are skipped.
func (m *MongoTestDB) ExecSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	return nil, nil
}
