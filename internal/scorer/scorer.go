// Package scorer ranks (ride, driver) pairs by a weighted composite of
// rating, proximity, experience, and ETA.
package scorer

import (
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Config holds the operator-tunable weights and caps. The defaults match
// the documented 40/35/15/10 split.
type Config struct {
	RatingWeight     float64
	ProximityWeight  float64
	ExperienceWeight float64
	ETAWeight        float64

	// ExperienceCapTrips is the trip count beyond which additional
	// experience adds nothing.
	ExperienceCapTrips int
	// ETACapMinutes clips the ETA sub-score.
	ETACapMinutes float64
}

func DefaultConfig() Config {
	return Config{
		RatingWeight:       0.40,
		ProximityWeight:    0.35,
		ExperienceWeight:   0.15,
		ETAWeight:          0.10,
		ExperienceCapTrips: 500,
		ETACapMinutes:      20,
	}
}

type Scorer struct {
	cfg Config
}

func New(cfg Config) *Scorer { return &Scorer{cfg: cfg} }

// Score returns the composite suitability in [0,1] for a candidate against
// the search radius used to find it.
func (s *Scorer) Score(c models.MatchCandidate, st models.DriverState, radiusKm float64) float64 {
	rating := clamp01(st.Rating / 5)

	proximity := 0.0
	if radiusKm > 0 {
		proximity = 1 - clamp01(c.DistanceKm/radiusKm)
	}

	experience := 0.0
	if s.cfg.ExperienceCapTrips > 0 {
		experience = clamp01(float64(st.CompletedTrips) / float64(s.cfg.ExperienceCapTrips))
	}

	eta := 0.0
	if s.cfg.ETACapMinutes > 0 {
		eta = 1 - clamp01(c.ETAMinutes/s.cfg.ETACapMinutes)
	}

	return s.cfg.RatingWeight*rating +
		s.cfg.ProximityWeight*proximity +
		s.cfg.ExperienceWeight*experience +
		s.cfg.ETAWeight*eta
}

// Ranked pairs a scored candidate with the driver state it was scored
// against.
type Ranked struct {
	Candidate models.MatchCandidate
	State     models.DriverState
}

// Rank scores and orders candidates best-first. Ties break on lowest
// distance, then on earliest available_since so long-waiting drivers get
// work first.
func (s *Scorer) Rank(cands []models.MatchCandidate, states map[string]models.DriverState, radiusKm float64) []Ranked {
	out := make([]Ranked, 0, len(cands))
	for _, c := range cands {
		st, ok := states[c.DriverID]
		if !ok {
			continue
		}
		c.Score = s.Score(c, st, radiusKm)
		out = append(out, Ranked{Candidate: c, State: st})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Candidate.Score != b.Candidate.Score {
			return a.Candidate.Score > b.Candidate.Score
		}
		if a.Candidate.DistanceKm != b.Candidate.DistanceKm {
			return a.Candidate.DistanceKm < b.Candidate.DistanceKm
		}
		return a.State.AvailableSince.Before(b.State.AvailableSince)
	})
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
