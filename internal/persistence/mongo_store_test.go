package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowcore/internal/testutil"
)

func TestMongoRepository(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	const dbName = "flow_test"
	suite.Run(t, &RepositoryTestSuite{
		newRepo: func() Repository {
			ctx := context.Background()
			if err := client.Database(dbName).Drop(ctx); err != nil {
				t.Fatalf("drop database: %v", err)
			}
			store, err := NewMongoStore(ctx, client, dbName)
			if err != nil {
				t.Fatalf("NewMongoStore failed: %v", err)
			}
			return store
		},
	})
}
