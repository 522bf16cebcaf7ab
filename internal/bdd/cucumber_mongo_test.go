package bdd

import (
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/testutil/testmongo"
)

// mongoSkipFeatures lists feature files that cannot run on MongoDB.
var mongoSkipFeatures = map[string]string{}

func TestFeaturesMongo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container backed features in short mode")
	}
	mongoURL := testmongo.StartMongo(t)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "mongo"
	cfg.DBURL = mongoURL
	cfg.MongoDatabase = "chat_service_bdd"
	cfg.CacheType = "memory"
	apiURL := startServer(t, &cfg)

	RunFeatures(t, apiURL, &MongoTestDB{DBURL: mongoURL, Database: cfg.MongoDatabase}, mongoSkipFeatures)
}
