// Package remote implements the RemoteCollection vector store variant
// against a Qdrant-wire-compatible gRPC backend (CollectionsClient/
// PointsClient calls, PointId/PointStruct/Vectors wire shapes,
// Filter/FieldCondition/Match payload filters). Unlike LocalHNSW it
// pushes filters to the backend instead of filtering client-side.
package remote

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hermesindex/hermesindex/pkg/errkind"
	"github.com/hermesindex/hermesindex/pkg/util"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

const vectorName = "text"

// Store implements vectorstore.Store against a remote Qdrant-compatible
// collection over gRPC.
type Store struct {
	conn       *grpc.ClientConn
	collection string

	collections qdrant.CollectionsClient
	points      qdrant.PointsClient
}

// Dial connects to addr (host:port) and returns a Store bound to
// collection. The dial is blocking so callers can fail fast at startup
// rather than discover an unreachable backend on the first query.
func Dial(ctx context.Context, addr, collection string, timeout time.Duration) (*Store, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errkind.Wrap(errkind.VectorUnavailable, fmt.Sprintf("dial qdrant at %s", addr), err)
	}

	return &Store{
		conn:        conn,
		collection:  collection,
		collections: qdrant.NewCollectionsClient(conn),
		points:      qdrant.NewPointsClient(conn),
	}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Ensure creates the collection if absent, or verifies the existing
// collection's dimension matches if present. The distance metric of an
// existing collection is not checked.
func (s *Store) Ensure(ctx context.Context, dim int, metric vectorstore.Metric) error {
	exists, err := s.collections.CollectionExists(ctx, &qdrant.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return errkind.Wrap(errkind.VectorUnavailable, "qdrant collection_exists", err)
	}

	if !exists.GetResult().GetExists() {
		_, err := s.collections.Create(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: &qdrant.VectorsConfig{
				Config: &qdrant.VectorsConfig_ParamsMap{
					ParamsMap: &qdrant.VectorParamsMap{
						Map: map[string]*qdrant.VectorParams{
							vectorName: {Size: uint64(dim), Distance: toQdrantDistance(metric)},
						},
					},
				},
			},
		})
		if err != nil {
			return errkind.Wrap(errkind.VectorUnavailable, "qdrant create_collection", err)
		}
		return nil
	}

	info, err := s.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return errkind.Wrap(errkind.VectorUnavailable, "qdrant get_collection", err)
	}
	params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[vectorName]
	if params != nil && int(params.GetSize()) != dim {
		return vectorstore.ErrDimMismatch(int(params.GetSize()), dim)
	}
	return nil
}

func toQdrantDistance(m vectorstore.Metric) qdrant.Distance {
	switch m {
	case vectorstore.MetricCosine:
		return qdrant.Distance_Cosine
	default:
		return qdrant.Distance_Cosine
	}
}

func toPointID(id int64) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: uint64(id)}}
}

func fromPointID(id *qdrant.PointId) int64 {
	return int64(id.GetNum())
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, items []vectorstore.UpsertItem) ([]int64, error) {
	points := make([]*qdrant.PointStruct, len(items))
	ids := make([]int64, len(items))
	for i, item := range items {
		id := item.ID
		if id == 0 {
			id = util.HashStringToInt64(item.Payload.Source + ":" + item.Payload.PgID)
		}
		points[i] = &qdrant.PointStruct{
			Id: toPointID(id),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vectors{
					Vectors: &qdrant.NamedVectors{
						Vectors: map[string]*qdrant.Vector{
							vectorName: {Vector: &qdrant.Vector_Dense{Dense: &qdrant.DenseVector{Data: item.Vector}}},
						},
					},
				},
			},
			Payload: payloadToValues(item.Payload),
		}
		ids[i] = id
	}

	_, err := s.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.VectorUnavailable, "qdrant upsert", err)
	}
	return ids, nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = toPointID(id)
	}
	_, err := s.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return errkind.Wrap(errkind.VectorUnavailable, "qdrant delete", err)
	}
	return nil
}

// Query implements vectorstore.Store, translating filter into the
// backend's native Filter/FieldCondition/Match grammar rather than
// filtering client-side.
func (s *Store) Query(ctx context.Context, vector []float32, k int, filter vectorstore.Filter) ([]vectorstore.Result, error) {
	req := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		VectorName:     ptrString(vectorName),
		Limit:          uint64(k),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
	}
	if f := toQdrantFilter(filter); f != nil {
		req.Filter = f
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, errkind.Wrap(errkind.VectorUnavailable, "qdrant search", err)
	}

	out := make([]vectorstore.Result, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		out[i] = vectorstore.Result{
			ID:      fromPointID(r.GetId()),
			Score:   r.GetScore(),
			Payload: valuesToPayload(r.GetPayload()),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func toQdrantFilter(f vectorstore.Filter) *qdrant.Filter {
	if f.IsZero() {
		return nil
	}
	var must []*qdrant.Condition
	if f.ExcludeNSFW {
		must = append(must, fieldRange("nsfw_score", nil, floatPtr(f.NSFWThreshold), true))
	}
	if f.TMDBOnly {
		must = append(must, fieldMatchBool("has_tmdb", true))
	}
	if f.SizeMinBytes > 0 {
		must = append(must, fieldRange("size", floatPtr(float32(f.SizeMinBytes)), nil, false))
	}
	for _, g := range f.Genres {
		must = append(must, fieldMatchKeyword("genres", g))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func fieldMatchKeyword(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func fieldMatchBool(key string, value bool) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: value}},
			},
		},
	}
}

// fieldRange builds a "less than" condition when excludeAboveThreshold is
// true (used for nsfw_score exclusion) or a "greater or equal" condition
// otherwise (used for size_min).
func fieldRange(key string, gte, lt *float64, excludeAboveThreshold bool) *qdrant.Condition {
	r := &qdrant.Range{}
	if excludeAboveThreshold {
		r.Lt = lt
	} else {
		r.Gte = gte
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Range: r},
		},
	}
}

func floatPtr(f float32) *float64 {
	v := float64(f)
	return &v
}

func ptrString(s string) *string { return &s }

// Count implements vectorstore.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	resp, err := s.points.Count(ctx, &qdrant.CountPoints{CollectionName: s.collection, Exact: boolPtr(true)})
	if err != nil {
		return 0, errkind.Wrap(errkind.VectorUnavailable, "qdrant count", err)
	}
	return int64(resp.GetResult().GetCount()), nil
}

func boolPtr(b bool) *bool { return &b }

// Health implements vectorstore.Store.
func (s *Store) Health(ctx context.Context) vectorstore.Health {
	_, err := s.collections.CollectionExists(ctx, &qdrant.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return vectorstore.Health{OK: false, Message: err.Error()}
	}
	return vectorstore.Health{OK: true}
}
