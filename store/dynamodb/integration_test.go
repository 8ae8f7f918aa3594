//go:build integration

package dynamodb_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/store/dynamodb"
	"github.com/ineyio/tokenquota/store/storetest"
)

// newLocalClient connects to DynamoDB Local (DYNAMODB_ENDPOINT, default
// http://localhost:8000) with dummy credentials.
func newLocalClient(t *testing.T) *awsdynamodb.Client {
	t.Helper()
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8000"
	}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
	if err != nil {
		t.Fatalf("aws config: %v", err)
	}
	return awsdynamodb.NewFromConfig(cfg, func(o *awsdynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

func TestConformance(t *testing.T) {
	client := newLocalClient(t)
	n := 0

	storetest.Run(t, func(t *testing.T) tokenquota.AccountStore {
		n++
		table := fmt.Sprintf("tokenquota_test_%d_%d", time.Now().UnixNano(), n)
		s := dynamodb.New(client, table)

		ctx := context.Background()
		if err := s.EnsureTable(ctx, time.Minute); err != nil {
			t.Fatalf("ensure table: %v", err)
		}
		t.Cleanup(func() {
			client.DeleteTable(ctx, &awsdynamodb.DeleteTableInput{TableName: aws.String(table)})
		})
		return s
	})
}
