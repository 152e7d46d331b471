package memory

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewVectorStore creates a VectorStore connected to Qdrant at the given gRPC address.
func NewVectorStore(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("memory: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// EnsureCollection creates the collection (cosine distance) if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("memory: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	d := uint64(dims)
	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     d,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("memory: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Probe checks Qdrant liveness by listing collections.
func (v *VectorStore) Probe(ctx context.Context) error {
	if _, err := v.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("memory: qdrant probe: %w", err)
	}
	return nil
}

// UpsertTurn stores one embedded conversation turn as a Qdrant point.
func (v *VectorStore) UpsertTurn(ctx context.Context, t Turn, embedding []float32) error {
	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id: &pb.PointId{
					PointIdOptions: &pb.PointId_Uuid{Uuid: t.ID},
				},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: embedding},
					},
				},
				Payload: map[string]*pb.Value{
					"user_id": {Kind: &pb.Value_StringValue{StringValue: t.UserID}},
					"role":    {Kind: &pb.Value_StringValue{StringValue: t.Role}},
					"content": {Kind: &pb.Value_StringValue{StringValue: t.Content}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("memory: upsert point %s: %w", t.ID, err)
	}
	return nil
}

// SearchByUser performs k-NN similarity search restricted to one user's points,
// returning payload contents in score order.
func (v *VectorStore) SearchByUser(ctx context.Context, embedding []float32, userID string, topK int) ([]string, error) {
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter: &pb.Filter{
			Must: []*pb.Condition{
				fieldMatch("user_id", userID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	contents := make([]string, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		if c := r.GetPayload()["content"].GetStringValue(); c != "" {
			contents = append(contents, c)
		}
	}
	return contents, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
