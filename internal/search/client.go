// Package search provides the Elasticsearch client layer for factgraph:
// a stateful wrapper with bounded concurrency and idempotent provisioning
// of the knowledge-graph indices.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/factgraph/factgraph/internal/config"
)

// FactsIndex holds the searchable fact texts with their graph references.
const FactsIndex = "facts_index"

// EntityAliasesIndex maps alias spellings to canonical entity names.
const EntityAliasesIndex = "entity_aliases_index"

// ErrNotInitialized is returned when client operations are attempted before
// Init has completed successfully, or after Close.
var ErrNotInitialized = errors.New("elasticsearch client not initialized; call Init first")

// Client wraps the Elasticsearch API behind an initialized/closed lifecycle.
// Every request runs through a bounded executor sized to the configured
// connections-per-node, matching the transport's idle connection cap.
type Client struct {
	cfg       config.ElasticsearchConfig
	es        *elasticsearch.Client
	transport *http.Transport
	exec      *executor
	log       zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewClient builds an unconnected client from configuration. Call Init
// before issuing requests.
func NewClient(cfg config.ElasticsearchConfig) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.ConnectionsPerNode,
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     []string{cfg.URL},
		Transport:     transport,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build Elasticsearch client: %w", err)
	}

	return &Client{
		cfg:       cfg,
		es:        es,
		transport: transport,
		exec:      newExecutor(cfg.ConnectionsPerNode),
		log:       log.With().Str("component", "elasticsearch").Logger(),
	}, nil
}

// Init verifies connectivity and marks the client usable.
func (c *Client) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to reach Elasticsearch at %s: %w", c.cfg.URL, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping returned status %d", res.StatusCode)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.log.Info().Str("url", c.cfg.URL).Msg("Elasticsearch client initialized")
	return nil
}

// Close marks the client uninitialized and releases idle transport
// connections. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	c.transport.CloseIdleConnections()
	return nil
}

// Ping verifies the backend answers. Requires Init.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureInitialized(); err != nil {
		return err
	}
	return c.exec.Do(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("elasticsearch ping returned status %d", res.StatusCode)
		}
		return nil
	})
}

// Search runs query against index and returns the decoded response.
func (c *Client) Search(ctx context.Context, index string, query map[string]any) (map[string]any, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	var result map[string]any
	err = c.exec.Do(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		res, rerr := c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(index),
			c.es.Search.WithBody(bytes.NewReader(body)),
		)
		if rerr != nil {
			return rerr
		}
		result, rerr = decodeResponse(res)
		return rerr
	})
	return result, err
}

// Index stores a document. An empty id lets Elasticsearch assign one.
func (c *Client) Index(ctx context.Context, index string, document map[string]any, id string) (map[string]any, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	var result map[string]any
	err = c.exec.Do(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		opts := []func(*esapi.IndexRequest){
			c.es.Index.WithContext(ctx),
		}
		if id != "" {
			opts = append(opts, c.es.Index.WithDocumentID(id))
		}

		res, rerr := c.es.Index(index, bytes.NewReader(body), opts...)
		if rerr != nil {
			return rerr
		}
		result, rerr = decodeResponse(res)
		return rerr
	})
	return result, err
}

// Bulk submits operations as one bulk request. Each element is a single
// NDJSON line: an action line or its source document.
func (c *Client) Bulk(ctx context.Context, operations []map[string]any) (map[string]any, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range operations {
		if err := enc.Encode(op); err != nil {
			return nil, fmt.Errorf("failed to encode bulk operation: %w", err)
		}
	}

	var result map[string]any
	err := c.exec.Do(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		res, rerr := c.es.Bulk(bytes.NewReader(buf.Bytes()), c.es.Bulk.WithContext(ctx))
		if rerr != nil {
			return rerr
		}
		result, rerr = decodeResponse(res)
		return rerr
	})
	return result, err
}

// CreateIndex creates an index with the given mappings and settings. An
// index that already exists is treated as success; any other backend error
// is propagated.
func (c *Client) CreateIndex(ctx context.Context, index string, mappings, settings map[string]any) error {
	if err := c.ensureInitialized(); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"mappings": mappings,
		"settings": settings,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index definition: %w", err)
	}

	return c.exec.Do(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		res, rerr := c.es.Indices.Create(index,
			c.es.Indices.Create.WithContext(ctx),
			c.es.Indices.Create.WithBody(bytes.NewReader(body)),
		)
		if rerr != nil {
			return rerr
		}
		defer res.Body.Close()

		if !res.IsError() {
			return nil
		}

		errType, raw := errorType(res.Body)
		if errType == "resource_already_exists_exception" {
			c.log.Debug().Str("index", index).Msg("index already exists; skipping creation")
			return nil
		}
		return fmt.Errorf("failed to create index %s: status %d: %s", index, res.StatusCode, raw)
	})
}

// InitializeIndices provisions the knowledge-graph indices. Idempotent:
// indices that already exist are left untouched.
func (c *Client) InitializeIndices(ctx context.Context) error {
	if err := c.ensureInitialized(); err != nil {
		return err
	}

	settings := map[string]any{
		"number_of_shards":   c.cfg.Shards,
		"number_of_replicas": c.cfg.Replicas,
	}

	factsMappings := map[string]any{
		"properties": map[string]any{
			"text":              map[string]any{"type": "text"},
			"standardized_text": map[string]any{"type": "text"},
			"source_file":       map[string]any{"type": "keyword"},
			"entity_ids":        map[string]any{"type": "keyword"},
			"topic_ids":         map[string]any{"type": "keyword"},
		},
	}
	if err := c.CreateIndex(ctx, FactsIndex, factsMappings, settings); err != nil {
		return err
	}

	aliasMappings := map[string]any{
		"properties": map[string]any{
			"canonical_name": map[string]any{"type": "keyword"},
			"alias":          map[string]any{"type": "text"},
			"entity_type":    map[string]any{"type": "keyword"},
		},
	}
	return c.CreateIndex(ctx, EntityAliasesIndex, aliasMappings, settings)
}

func (c *Client) ensureInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// decodeResponse consumes and closes the response body, returning an error
// for non-2xx statuses.
func decodeResponse(res *esapi.Response) (map[string]any, error) {
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned status %d: %s", res.StatusCode, raw)
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return result, nil
}

// errorType extracts error.type from an Elasticsearch error body. Returns
// the raw body alongside for error reporting.
func errorType(body io.Reader) (string, []byte) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", nil
	}
	var parsed struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", raw
	}
	return parsed.Error.Type, raw
}

// CreateClient builds, connects and index-provisions a client in one call.
// If provisioning fails the client is closed before the error is
// propagated, so a half-provisioned client is never handed back.
func CreateClient(ctx context.Context, cfg config.ElasticsearchConfig) (*Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := client.Init(ctx); err != nil {
		return nil, err
	}

	if err := client.InitializeIndices(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize indices: %w", err)
	}

	return client, nil
}
