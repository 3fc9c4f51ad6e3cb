// Package vector wraps the qdrant gRPC client behind the small surface the
// retrieval pipeline needs: collection CRUD, upsert, similarity search and
// payload scrolling.
package vector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docchat/internal/config"
)

var (
	ErrNotFound      = errors.New("collection not found")
	ErrAlreadyExists = errors.New("collection already exists")
	ErrUnavailable   = errors.New("vector store unavailable")
)

// collectionNameRE guards every collection-addressed operation.
var collectionNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Hit is one search or scroll result. Score is the engine-native similarity,
// higher is better for cosine and dot.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Point is one vector plus payload for upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Info describes one collection.
type Info struct {
	Name        string
	PointsCount uint64
	VectorSize  uint64
	Distance    string
}

// Store is the qdrant-backed vector store client.
type Store struct {
	client *qdrant.Client
}

// New connects to the qdrant instance addressed by QDRANT_URL.
func New(cfg *config.Config) (*Store, error) {
	host, port, err := splitHostPort(cfg.QdrantURL)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant url: %w", err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &Store{client: client}, nil
}

func splitHostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		host = rawURL
	}
	port := 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, err
		}
	}
	return host, port, nil
}

func distanceOf(name string) (qdrant.Distance, error) {
	switch strings.ToLower(name) {
	case "cosine", "":
		return qdrant.Distance_Cosine, nil
	case "euclid":
		return qdrant.Distance_Euclid, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	default:
		return qdrant.Distance_Cosine, fmt.Errorf("unknown distance %q", name)
	}
}

// CreateCollection creates a collection with the given dimension and distance.
func (s *Store) CreateCollection(ctx context.Context, name string, dim uint64, distance string) error {
	if !collectionNameRE.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	dist, err := distanceOf(distance)
	if err != nil {
		return err
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: dist,
		}),
	})
	return wrapGRPC(err)
}

// DeleteCollection removes a collection and all its points.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	return wrapGRPC(s.client.DeleteCollection(ctx, name))
}

// CollectionExists reports whether the collection exists.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, wrapGRPC(err)
	}
	return exists, nil
}

// Upsert writes points into the collection.
func (s *Store) Upsert(ctx context.Context, collection string, points []Point) error {
	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      pointID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		}
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qpoints,
	})
	return wrapGRPC(err)
}

// Search returns up to limit hits for the query vector, optionally pruned
// server-side by scoreThreshold.
func (s *Store) Search(ctx context.Context, collection string, queryVec []float32, limit int, scoreThreshold *float64) ([]Hit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(queryVec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold != nil {
		req.ScoreThreshold = qdrant.PtrOf(float32(*scoreThreshold))
	}
	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, wrapGRPC(err)
	}
	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{
			ID:      idString(p.Id),
			Score:   float64(p.Score),
			Payload: payloadToMap(p.Payload),
		}
	}
	return hits, nil
}

// Scroll pages through all points of a collection. fields limits the payload
// to the named keys; nil returns everything. The returned offset is nil when
// the collection is exhausted.
func (s *Store) Scroll(ctx context.Context, collection string, limit int, offset *qdrant.PointId, fields []string) ([]Hit, *qdrant.PointId, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(uint32(limit)),
		Offset:         offset,
	}
	if len(fields) > 0 {
		req.WithPayload = qdrant.NewWithPayloadInclude(fields...)
	} else {
		req.WithPayload = qdrant.NewWithPayloadEnable(true)
	}
	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, nil, wrapGRPC(err)
	}
	hits := make([]Hit, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		hits[i] = Hit{
			ID:      idString(p.Id),
			Payload: payloadToMap(p.Payload),
		}
	}
	return hits, resp.GetNextPageOffset(), nil
}

// ScrollAll pages through the whole collection and returns every point.
func (s *Store) ScrollAll(ctx context.Context, collection string, fields []string) ([]Hit, error) {
	const pageSize = 256
	var all []Hit
	var offset *qdrant.PointId
	for {
		hits, next, err := s.Scroll(ctx, collection, pageSize, offset, fields)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
		if next == nil || len(hits) == 0 {
			return all, nil
		}
		offset = next
	}
}

// ListCollections returns infos for every collection.
func (s *Store) ListCollections(ctx context.Context) ([]Info, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, wrapGRPC(err)
	}
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		info, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return nil, wrapGRPC(err)
		}
		out := Info{Name: name}
		if c := info.GetPointsCount(); c != 0 {
			out.PointsCount = c
		}
		if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			out.VectorSize = params.GetSize()
			out.Distance = strings.ToLower(params.GetDistance().String())
		}
		infos = append(infos, out)
	}
	return infos, nil
}

// Close tears down the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func pointID(id string) *qdrant.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return qdrant.NewIDNum(n)
	}
	return qdrant.NewID(id)
}

func idString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = valueToAny(item)
		}
		return out
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			out[k] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}

func wrapGRPC(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
