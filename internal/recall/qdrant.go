package recall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// pointsAPI is the subset of pb.PointsClient the retriever uses.
type pointsAPI interface {
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the retriever uses.
type collectionsAPI interface {
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantConfig configures a QdrantRetriever.
type QdrantConfig struct {
	Addr       string        // gRPC address, e.g. "localhost:6334"
	Collection string        // default "parley_memory"
	MinScore   float32       // snippets scoring below this are dropped
	Timeout    time.Duration // bound on one Retrieve, default 5s
}

// QdrantRetriever embeds queries and searches a Qdrant collection.
type QdrantRetriever struct {
	embedder    Embedder
	points      pointsAPI
	collections collectionsAPI
	conn        *grpc.ClientConn

	collection string
	minScore   float32
	timeout    time.Duration
	logger     *slog.Logger
}

// NewQdrantRetriever connects to Qdrant over plaintext gRPC. The
// connection is lazy; nothing is dialed until the first call.
func NewQdrantRetriever(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*QdrantRetriever, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant client %s: %w", cfg.Addr, err)
	}
	r := newQdrantRetriever(cfg, embedder, pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), logger)
	r.conn = conn
	return r, nil
}

func newQdrantRetriever(cfg QdrantConfig, embedder Embedder, points pointsAPI, collections collectionsAPI, logger *slog.Logger) *QdrantRetriever {
	if cfg.Collection == "" {
		cfg.Collection = "parley_memory"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantRetriever{
		embedder:    embedder,
		points:      points,
		collections: collections,
		collection:  cfg.Collection,
		minScore:    cfg.MinScore,
		timeout:     cfg.Timeout,
		logger:      logger.With("component", "recall", "collection", cfg.Collection),
	}
}

// Close releases the gRPC connection.
func (r *QdrantRetriever) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// EnsureCollection creates the collection with cosine distance and the
// given vector size when it does not already exist.
func (r *QdrantRetriever) EnsureCollection(ctx context.Context, vectorSize int) error {
	exists, err := r.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: r.collection})
	if err != nil {
		return fmt.Errorf("check collection %s: %w", r.collection, err)
	}
	if exists.GetResult().GetExists() {
		return nil
	}

	_, err = r.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(vectorSize),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create collection %s: %w", r.collection, err)
	}
	r.logger.Info("created memory collection", "vector_size", vectorSize)
	return nil
}

// Index embeds text and upserts it as a new point labelled label.
func (r *QdrantRetriever) Index(ctx context.Context, label, text string) error {
	if text == "" {
		return errors.New("empty text")
	}
	vec, err := r.embedder.Generate(ctx, label+": "+text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", label, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("point id: %w", err)
	}

	wait := true
	_, err = r.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: map[string]*pb.Value{
				"label":      stringValue(label),
				"text":       stringValue(text),
				"indexed_at": stringValue(time.Now().UTC().Format(time.RFC3339)),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", label, err)
	}
	return nil
}

// Retrieve implements Retriever.
func (r *QdrantRetriever) Retrieve(ctx context.Context, query string, k int) []Snippet {
	if query == "" || k <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	vec, err := r.embedder.Generate(ctx, query)
	if err != nil {
		r.logger.Warn("memory retrieval skipped: embed query", "error", err)
		return nil
	}

	minScore := r.minScore
	resp, err := r.points.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collection,
		Vector:         vec,
		Limit:          uint64(k),
		ScoreThreshold: &minScore,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		r.logger.Warn("memory retrieval skipped: search", "error", err)
		return nil
	}

	var snippets []Snippet
	for _, p := range resp.GetResult() {
		if p.GetScore() < r.minScore {
			continue
		}
		text := p.GetPayload()["text"].GetStringValue()
		if text == "" {
			continue
		}
		snippets = append(snippets, Snippet{
			Label: p.GetPayload()["label"].GetStringValue(),
			Text:  text,
			Score: p.GetScore(),
		})
	}
	sort.SliceStable(snippets, func(i, j int) bool { return snippets[i].Score > snippets[j].Score })
	if len(snippets) > k {
		snippets = snippets[:k]
	}

	r.logger.Debug("memory retrieval complete",
		"results", len(snippets), "elapsed", time.Since(start))
	return snippets
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
