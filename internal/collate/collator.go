// Package collate merges a finished crawl's shard files into the single
// consolidated output.
package collate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
)

const contentType = "application/json"

var tracer = otel.Tracer("github.com/JakeFAU/catalog-harvester/internal/collate")

// ShardReader exposes the shards of one crawl directory.
type ShardReader interface {
	ReadShards(ctx context.Context) ([]checkpoint.Shard, error)
	Name() string
}

// Completion is the payload published after a successful collation.
type Completion struct {
	Name        string    `json:"name"`
	URI         string    `json:"uri"`
	Mirrors     []string  `json:"mirrors,omitempty"`
	Items       int       `json:"items"`
	Shards      int       `json:"shards"`
	Digest      string    `json:"digest"`
	CompletedAt time.Time `json:"completed_at"`
}

// Option configures a Collator.
type Option func(*Collator)

// WithMirror adds a blob store that receives a copy of the output.
func WithMirror(store crawler.BlobStore) Option {
	return func(c *Collator) {
		if store != nil {
			c.mirrors = append(c.mirrors, store)
		}
	}
}

// WithPublisher announces each completed collation on topic.
func WithPublisher(pub crawler.Publisher, topic string) Option {
	return func(c *Collator) {
		c.publisher = pub
		c.topic = topic
	}
}

// WithClock overrides the time source used for completion payloads.
func WithClock(clock crawler.Clock) Option {
	return func(c *Collator) { c.clock = clock }
}

// Collator implements crawler.Collator.
type Collator struct {
	reader    ShardReader
	primary   crawler.BlobStore
	mirrors   []crawler.BlobStore
	publisher crawler.Publisher
	topic     string
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds a Collator writing through primary.
func New(reader ShardReader, primary crawler.BlobStore, logger *zap.Logger, opts ...Option) (*Collator, error) {
	if reader == nil {
		return nil, fmt.Errorf("shard reader is required")
	}
	if primary == nil {
		return nil, fmt.Errorf("primary blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collator{reader: reader, primary: primary, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	if c.publisher != nil && c.topic == "" {
		return nil, fmt.Errorf("publisher topic is required")
	}
	return c, nil
}

// OutputName is the object name of the consolidated file.
func (c *Collator) OutputName() string {
	return c.reader.Name() + ".json"
}

// Merge folds shards in order; a later shard overwrites an earlier one for
// the same id. It returns the merged mapping and the number of duplicates.
func Merge(shards []checkpoint.Shard) (map[string]json.RawMessage, int) {
	merged := make(map[string]json.RawMessage)
	dups := 0
	for _, shard := range shards {
		for id, record := range shard.Items {
			if _, ok := merged[id]; ok {
				dups++
			}
			merged[id] = record
		}
	}
	return merged, dups
}

// Collate reads every shard, writes the merged output and fans it out to
// mirrors and the publisher. Mirror and publish failures are logged.
func (c *Collator) Collate(ctx context.Context) (_ crawler.CollateResult, err error) {
	ctx, span := tracer.Start(ctx, "collate", trace.WithAttributes(attribute.String("harvest.source", c.reader.Name())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	shards, err := c.reader.ReadShards(ctx)
	if err != nil {
		return crawler.CollateResult{}, fmt.Errorf("read shards: %w", err)
	}
	merged, dups := Merge(shards)
	if dups > 0 {
		c.logger.Warn("Duplicate ids across shards; later shard kept",
			zap.String("name", c.reader.Name()),
			zap.Int("duplicates", dups),
		)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return crawler.CollateResult{}, fmt.Errorf("encode collated output: %w", err)
	}

	name := c.OutputName()
	uri, err := c.primary.PutObject(ctx, name, contentType, bytes.NewReader(data))
	if err != nil {
		return crawler.CollateResult{}, fmt.Errorf("write %s: %w", name, err)
	}
	result := crawler.CollateResult{URI: uri, Items: len(merged), Shards: len(shards), Digest: sha256.Digest(data)}
	span.SetAttributes(attribute.Int("harvest.items", result.Items), attribute.Int("harvest.shards", result.Shards))

	for _, mirror := range c.mirrors {
		mirrorURI, err := mirror.PutObject(ctx, name, contentType, bytes.NewReader(data))
		if err != nil {
			c.logger.Warn("Failed to mirror collated output", zap.String("name", name), zap.Error(err))
			continue
		}
		result.Mirrors = append(result.Mirrors, mirrorURI)
	}

	c.logger.Info("Collated crawl output",
		zap.String("uri", uri),
		zap.Int("items", result.Items),
		zap.Int("shards", result.Shards),
		zap.String("digest", result.Digest),
		zap.Strings("mirrors", result.Mirrors),
	)

	if c.publisher != nil {
		c.announce(ctx, result)
	}
	return result, nil
}

func (c *Collator) announce(ctx context.Context, result crawler.CollateResult) {
	now := time.Now().UTC()
	if c.clock != nil {
		now = c.clock.Now().UTC()
	}
	payload := Completion{
		Name:        c.reader.Name(),
		URI:         result.URI,
		Mirrors:     result.Mirrors,
		Items:       result.Items,
		Shards:      result.Shards,
		Digest:      result.Digest,
		CompletedAt: now,
	}
	msgID, err := c.publisher.Publish(ctx, c.topic, payload)
	if err != nil {
		c.logger.Warn("Failed to publish completion", zap.String("topic", c.topic), zap.Error(err))
		return
	}
	c.logger.Debug("Published completion", zap.String("topic", c.topic), zap.String("message_id", msgID))
}
