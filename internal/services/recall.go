package services

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
)

type RecallHit struct {
	Message *types.Message `json:"message"`
	Score   float64        `json:"score"`
}

func (s *memoryService) Recall(ctx context.Context, vec []float32, userID uuid.UUID, limit int, threshold float64) ([]RecallHit, error) {
	if userID == uuid.Nil || len(vec) == 0 {
		return []RecallHit{}, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.messages.ListEmbeddedByUser(dbctx.Context{Ctx: ctx}, userID, recallScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list embedded messages: %w", err)
	}
	hits := make([]RecallHit, 0, limit)
	for _, m := range rows {
		score := Cosine(vec, m.Vector())
		if score < threshold || score == 0 {
			continue
		}
		hits = append(hits, RecallHit{Message: m, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Cosine returns 0 for vectors of different length or zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
