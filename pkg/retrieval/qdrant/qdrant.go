// Package qdrant implements retrieval.Service on a qdrant collection per
// knowledge space.
package qdrant

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jllopis/watt/pkg/retrieval"
)

const (
	payloadContent = "content"
	payloadSource  = "source"
)

// Document is a passage to index.
type Document struct {
	ID       string
	Content  string
	Source   string
	Metadata map[string]any
}

// Store searches qdrant collections named after knowledge spaces.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	embedder    retrieval.Embedder
	prefix      string
}

// Option configures the store.
type Option func(*Store)

// WithCollectionPrefix prepends prefix to every knowledge space id.
func WithCollectionPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New dials addr (host:port of the gRPC API).
func New(addr string, embedder retrieval.Embedder, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder is required")
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	s := &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		embedder:    embedder,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) collection(knowledgeSpaceID string) string {
	return s.prefix + knowledgeSpaceID
}

// CreateCollection creates the cosine collection backing a knowledge space.
func (s *Store) CreateCollection(ctx context.Context, knowledgeSpaceID string, vectorSize uint64) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection(knowledgeSpaceID),
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	return nil
}

// Index embeds and upserts documents into a knowledge space.
func (s *Store) Index(ctx context.Context, knowledgeSpaceID string, docs []Document) error {
	points := make([]*pb.PointStruct, 0, len(docs))
	for _, d := range docs {
		vec, err := s.embedder.Embed(ctx, d.Content)
		if err != nil {
			return fmt.Errorf("qdrant: embed %s: %w", d.ID, err)
		}
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: d.ID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: toPayload(d),
		})
	}
	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection(knowledgeSpaceID),
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant: upsert points: %w", err)
	}
	return nil
}

// Search implements retrieval.Service.
func (s *Store) Search(ctx context.Context, knowledgeSpaceID, query string, topK int) ([]retrieval.Passage, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant: embed query: %w", err)
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection(knowledgeSpaceID),
		Vector:         vec,
		Limit:          uint64(retrieval.ClampTopK(topK)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search points: %w", err)
	}

	out := make([]retrieval.Passage, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		out = append(out, fromPayload(r.GetPayload(), float64(r.GetScore())))
	}
	return out, nil
}

// Ping implements retrieval.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	return err
}

func toPayload(d Document) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		payloadContent: {Kind: &pb.Value_StringValue{StringValue: d.Content}},
	}
	if d.Source != "" {
		payload[payloadSource] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: d.Source}}
	}
	for k, v := range d.Metadata {
		if pv := toValue(v); pv != nil {
			payload[k] = pv
		}
	}
	return payload
}

// toValue converts scalar metadata; other types are dropped.
func toValue(v any) *pb.Value {
	switch val := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
	}
	return nil
}

func fromPayload(payload map[string]*pb.Value, score float64) retrieval.Passage {
	p := retrieval.Passage{Score: score, Metadata: map[string]any{}}
	for k, v := range payload {
		switch k {
		case payloadContent:
			p.Content = v.GetStringValue()
		case payloadSource:
			p.Source = v.GetStringValue()
		default:
			switch kind := v.GetKind().(type) {
			case *pb.Value_StringValue:
				p.Metadata[k] = kind.StringValue
			case *pb.Value_BoolValue:
				p.Metadata[k] = kind.BoolValue
			case *pb.Value_IntegerValue:
				p.Metadata[k] = kind.IntegerValue
			case *pb.Value_DoubleValue:
				p.Metadata[k] = kind.DoubleValue
			}
		}
	}
	return p
}

var _ retrieval.Service = (*Store)(nil)
