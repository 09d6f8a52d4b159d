package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/maghams62/auto-mac/internal/utils"
)

// Embedder turns a request into the vector space the exemplar collection was
// indexed in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QdrantIndex retrieves exemplars by vector similarity from a Qdrant
// collection. Each point's payload carries the exemplar request and plan.
type QdrantIndex struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	logger     utils.ExtendedLogger
}

// QdrantIndexConfig configures the exemplar collection connection.
type QdrantIndexConfig struct {
	Host       string
	Port       int
	Collection string
}

// NewQdrantIndex connects to Qdrant. The collection must already exist;
// indexing exemplars is an offline concern.
func NewQdrantIndex(cfg QdrantIndexConfig, embedder Embedder, logger utils.ExtendedLogger) (*QdrantIndex, error) {
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	host := strings.TrimPrefix(strings.TrimPrefix(cfg.Host, "https://"), "http://")
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantIndex{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		logger:     logger,
	}, nil
}

// Search implements Index.
func (idx *QdrantIndex) Search(ctx context.Context, request string, limit int) ([]*Exemplar, error) {
	vector, err := idx.embedder.Embed(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to embed request: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	limitUint := uint64(limit)
	points, err := idx.client.Query(queryCtx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query exemplars: %w", err)
	}

	exemplars := make([]*Exemplar, 0, len(points))
	for _, point := range points {
		e := &Exemplar{ID: pointIDString(point.Id)}
		if v, ok := point.Payload["request"]; ok {
			e.Request = v.GetStringValue()
		}
		if v, ok := point.Payload["plan"]; ok {
			e.Plan = json.RawMessage(v.GetStringValue())
		}
		if e.Request == "" || len(e.Plan) == 0 {
			idx.logger.Warnf("exemplar point %s has an incomplete payload, skipping", e.ID)
			continue
		}
		exemplars = append(exemplars, e)
	}
	return exemplars, nil
}

// Close releases the gRPC connection.
func (idx *QdrantIndex) Close() error {
	return idx.client.Close()
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.GetPointIdOptions().(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	default:
		return id.String()
	}
}
