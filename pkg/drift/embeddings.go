// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package drift

import (
	"context"
	"fmt"
	"math"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// scrollPageSize bounds one qdrant scroll page.
const scrollPageSize = uint32(256)

// QdrantEmbeddings reads request-embedding vectors from a qdrant collection
// written by the inference gateway. Points carry tenant_id and model_id
// keyword payloads and a recorded_at unix-seconds payload.
type QdrantEmbeddings struct {
	service    pb.QdrantClient
	points     pb.PointsClient
	collection string
}

// NewQdrantEmbeddings connects to qdrant at addr and reads from collection.
func NewQdrantEmbeddings(addr, collection string) (*QdrantEmbeddings, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("did not connect: %v", err)
	}
	return &QdrantEmbeddings{
		service:    pb.NewQdrantClient(conn),
		points:     pb.NewPointsClient(conn),
		collection: collection,
	}, nil
}

// Ping asks the qdrant endpoint for its health probe.
func (q *QdrantEmbeddings) Ping(ctx context.Context) error {
	_, err := q.service.HealthCheck(ctx, &pb.HealthCheckRequest{})
	return err
}

// WindowCentroid scrolls every point for the (tenant, model) pair inside the
// window and returns the mean vector with the contributing point count.
// A window with no points returns a nil vector and zero count, not an error.
func (q *QdrantEmbeddings) WindowCentroid(ctx context.Context, tenantID, modelID string, from, to time.Time) ([]float32, int, error) {
	fromSec := float64(from.Unix())
	toSec := float64(to.Unix())
	filter := &pb.Filter{
		Must: []*pb.Condition{
			keywordCondition("tenant_id", tenantID),
			keywordCondition("model_id", modelID),
			{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key:   "recorded_at",
						Range: &pb.Range{Gte: &fromSec, Lt: &toSec},
					},
				},
			},
		},
	}

	var (
		sum    []float64
		count  int
		offset *pb.PointId
		limit  = scrollPageSize
	)
	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Filter:         filter,
			Limit:          &limit,
			Offset:         offset,
			WithVectors: &pb.WithVectorsSelector{
				SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scroll points: %w", err)
		}
		for _, point := range resp.GetResult() {
			vec := point.GetVectors().GetVector().GetData()
			if len(vec) == 0 {
				continue
			}
			if sum == nil {
				sum = make([]float64, len(vec))
			}
			if len(vec) != len(sum) {
				continue
			}
			for i, v := range vec {
				sum[i] += float64(v)
			}
			count++
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	if count == 0 {
		return nil, 0, nil
	}
	centroid := make([]float32, len(sum))
	for i, v := range sum {
		centroid[i] = float32(v / float64(count))
	}
	return centroid, count, nil
}

func keywordCondition(key, value string) *pb.Condition {
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

// cosineDistance is 1 minus the cosine similarity of the two vectors.
// Mismatched or zero-norm vectors count as maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return 1 - sim
}
