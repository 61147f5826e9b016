package memory

import (
	"context"
	"strconv"
	"time"

	"github.com/nugget/ctf-agent/internal/events"
)

// Forgetting weight coefficients.
const (
	timeCoeff       = 0.4
	accessCoeff     = 0.4
	importanceCoeff = 0.2
	// fullAgeMinutes is the age at which the time term saturates.
	fullAgeMinutes = 2.0
)

// ForgetWeight returns the eviction weight of a record at now. Higher
// weights are evicted first; fresh, maximally important records score
// at most 0.4.
func ForgetWeight(r *StepRecord, now time.Time) float64 {
	age := now.Sub(r.CreatedAt).Minutes()
	timeWeight := min(max(age, 0)/fullAgeMinutes, 1)
	accessWeight := 1 / float64(r.AccessCount+1)
	return timeCoeff*timeWeight + accessCoeff*accessWeight + importanceCoeff*(1-r.Importance)
}

// forget evicts hot records whose weight exceeds the threshold, then
// drops key facts that referenced them. Evicted records go to the
// archive so they remain searchable.
func (s *Store) forget(ctx context.Context) []int {
	now := s.now()
	kept := s.hot[:0]
	var evicted []*StepRecord
	for _, r := range s.hot {
		if ForgetWeight(r, now) > s.cfg.ForgetThreshold {
			evicted = append(evicted, r)
			continue
		}
		kept = append(kept, r)
	}
	s.hot = kept
	if len(evicted) == 0 {
		return nil
	}

	ids := make(map[int]bool, len(evicted))
	evictedIDs := make([]int, len(evicted))
	for i, r := range evicted {
		ids[r.StepID] = true
		evictedIDs[i] = r.StepID
		s.archiveEntry(ctx, ArchiveEntry{
			Kind:     KindStep,
			Content:  renderStep(r, 0),
			Metadata: s.metadata(map[string]string{"step_id": strconv.Itoa(r.StepID)}),
		})
	}
	removed := 0
	for k, f := range s.facts {
		if ids[f.StepID] {
			delete(s.facts, k)
			removed++
		}
	}

	s.forgotten += len(evicted)
	stepsForgotten.Add(float64(len(evicted)))
	s.bus.Emit(events.SourceMemory, events.KindForgotten, map[string]any{
		"problem_id": s.problemID,
		"step_ids":   evictedIDs,
	})
	s.logger.Debug("steps forgotten", "step_ids", evictedIDs, "facts_removed", removed)
	return evictedIDs
}
