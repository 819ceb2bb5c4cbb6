package secevent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/c360/sensorgate/errors"
)

// ESIndexer persists events to Elasticsearch under their rolling monthly
// partition index.
type ESIndexer struct {
	client *elasticsearch.Client
}

// ESConfig holds Elasticsearch connection settings.
type ESConfig struct {
	Addresses []string
	Username  string
	Password  string
}

// NewESIndexer creates an Elasticsearch-backed indexer.
func NewESIndexer(cfg ESConfig) (*ESIndexer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "ESIndexer", "NewESIndexer", "create client")
	}
	return &ESIndexer{client: client}, nil
}

// Index writes one event document into the partition index.
func (i *ESIndexer) Index(ctx context.Context, partitionKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "ESIndexer", "Index", "encode event")
	}

	req := esapi.IndexRequest{
		Index: partitionKey,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return errors.WrapTransient(err, "ESIndexer", "Index", "execute index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.WrapTransient(
			fmt.Errorf("index response status %s", res.Status()),
			"ESIndexer", "Index", "index event")
	}
	return nil
}
