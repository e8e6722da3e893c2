package broker

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
)

const (
	weightCategory = 0.5
	weightTime     = 0.3
	weightTags     = 0.2

	DefaultThreshold     = 0.75
	DefaultMinGroupSize  = 2
	DefaultMaxGroupSize  = 4
	DefaultMaxDistanceKm = 15.0
)

type MatchConfig struct {
	Threshold     float64
	MinGroupSize  int
	MaxGroupSize  int
	MaxDistanceKm float64
}

func (c MatchConfig) withDefaults() MatchConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinGroupSize < 2 {
		c.MinGroupSize = DefaultMinGroupSize
	}
	if c.MaxGroupSize < c.MinGroupSize {
		c.MaxGroupSize = DefaultMaxGroupSize
	}
	if c.MaxDistanceKm <= 0 {
		c.MaxDistanceKm = DefaultMaxDistanceKm
	}
	return c
}

// Score is 0.5*sameCategory + 0.3*sameTimePreference + 0.2*jaccard(tags).
// A flexible time preference agrees with any other.
func Score(a, b *domainbroker.PartnerIntent) float64 {
	s := 0.0
	if strings.EqualFold(a.Category, b.Category) {
		s += weightCategory
	}
	if sameTime(a.TimePreference, b.TimePreference) {
		s += weightTime
	}
	s += weightTags * jaccard(a.Tags, b.Tags)
	return s
}

func sameTime(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == TimeFlexible || b == TimeFlexible {
		return true
	}
	return a != "" && a == b
}

func jaccard(a, b []string) float64 {
	set := map[string]int{}
	for _, t := range a {
		set[strings.ToLower(t)] |= 1
	}
	for _, t := range b {
		set[strings.ToLower(t)] |= 2
	}
	if len(set) == 0 {
		return 0
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

// HaversineKm is the great-circle distance between two points.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func withinDistance(a, b *domainbroker.PartnerIntent, maxKm float64) bool {
	if a.Lat == nil || a.Lng == nil || b.Lat == nil || b.Lng == nil {
		return true
	}
	return HaversineKm(*a.Lat, *a.Lng, *b.Lat, *b.Lng) <= maxKm
}

type Group struct {
	Intents []*domainbroker.PartnerIntent
	// Score is the weakest pairwise score inside the group.
	Score float64
}

func (g Group) IntentIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(g.Intents))
	for i, in := range g.Intents {
		out[i] = in.ID
	}
	return out
}

func (g Group) UserIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(g.Intents))
	for i, in := range g.Intents {
		out[i] = in.UserID
	}
	return out
}

// Organizer is the owner of the earliest intent.
func (g Group) Organizer() uuid.UUID {
	return g.Intents[0].UserID
}

// GroupIntents greedily forms groups in creation order. Each seed takes later
// intents from other users whose score against every member clears the
// threshold and that pass the distance gate, up to MaxGroupSize.
func GroupIntents(intents []*domainbroker.PartnerIntent, cfg MatchConfig) []Group {
	cfg = cfg.withDefaults()
	pool := make([]*domainbroker.PartnerIntent, 0, len(intents))
	for _, in := range intents {
		if in != nil && in.Status == domainbroker.IntentActive {
			pool = append(pool, in)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].CreatedAt.Before(pool[j].CreatedAt) })

	used := make([]bool, len(pool))
	var groups []Group
	for i, seed := range pool {
		if used[i] {
			continue
		}
		members := []int{i}
		users := map[uuid.UUID]bool{seed.UserID: true}
		weakest := 1.0
		for j := i + 1; j < len(pool) && len(members) < cfg.MaxGroupSize; j++ {
			cand := pool[j]
			if used[j] || users[cand.UserID] {
				continue
			}
			ok, low := true, weakest
			for _, m := range members {
				s := Score(pool[m], cand)
				if s < cfg.Threshold || !withinDistance(pool[m], cand, cfg.MaxDistanceKm) {
					ok = false
					break
				}
				low = math.Min(low, s)
			}
			if !ok {
				continue
			}
			members = append(members, j)
			users[cand.UserID] = true
			weakest = low
		}
		if len(members) < cfg.MinGroupSize {
			continue
		}
		g := Group{Score: weakest}
		for _, m := range members {
			used[m] = true
			g.Intents = append(g.Intents, pool[m])
		}
		groups = append(groups, g)
	}
	return groups
}
