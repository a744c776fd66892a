package tiles

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/muesli/clusters"
	"gonum.org/v1/gonum/stat"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
)

const (
	StrategyAll      = "all"
	StrategyVariance = "variance"
	StrategyKMeans   = "kmeans"

	DefaultTrainingTiles = 10

	// kmeans stops after this many sweeps or once fewer than kmeansDelta of
	// the tiles change cluster in a sweep.
	kmeansMaxIterations = 96
	kmeansDelta         = 0.01
)

// Select picks up to n training tiles from candidates. The result keeps the
// candidates' original order so fitting visits tiles in streaming order. seed
// drives the kmeans initialisation; the same seed picks the same tiles.
func Select(strategy string, readers []imageio.Reader, candidates []model.TileBox, n int, seed int64) ([]model.TileBox, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate tiles")
	}
	if n <= 0 {
		n = DefaultTrainingTiles
	}
	switch strategy {
	case StrategyAll:
		return append([]model.TileBox(nil), candidates...), nil
	case "", StrategyVariance:
		if n >= len(candidates) {
			return append([]model.TileBox(nil), candidates...), nil
		}
		profiles, err := profileTiles(readers, candidates)
		if err != nil {
			return nil, err
		}
		return pick(candidates, byVariance(profiles, n)), nil
	case StrategyKMeans:
		if n >= len(candidates) {
			return append([]model.TileBox(nil), candidates...), nil
		}
		profiles, err := profileTiles(readers, candidates)
		if err != nil {
			return nil, err
		}
		picked, err := byClusters(profiles, n, seed)
		if err != nil {
			return nil, err
		}
		return pick(candidates, picked), nil
	default:
		return nil, fmt.Errorf("unsupported tile selection strategy: %s", strategy)
	}
}

// tileProfile holds per-channel mean and standard deviation of one tile.
type tileProfile struct {
	mean []float64
	std  []float64
}

func profileTiles(readers []imageio.Reader, candidates []model.TileBox) ([]tileProfile, error) {
	profiles := make([]tileProfile, len(candidates))
	for i, box := range candidates {
		p := tileProfile{mean: make([]float64, len(readers)), std: make([]float64, len(readers))}
		for c, reader := range readers {
			tile, err := reader.Read(box)
			if err != nil {
				return nil, fmt.Errorf("channel %d tile %s: %w", c, box, err)
			}
			p.mean[c], p.std[c] = stat.MeanStdDev(tile, nil)
			if math.IsNaN(p.std[c]) {
				p.std[c] = 0
			}
		}
		profiles[i] = p
	}
	return profiles, nil
}

// byVariance ranks tiles by their summed coefficient of variation across
// channels; flat background tiles carry no cross-talk signal.
func byVariance(profiles []tileProfile, n int) []int {
	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(profiles))
	for i, p := range profiles {
		score := 0.0
		for c := range p.mean {
			if p.mean[c] > 0 {
				score += p.std[c] / p.mean[c]
			}
		}
		ranked[i] = scored{idx: i, score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]int, 0, n)
	for _, r := range ranked[:n] {
		out = append(out, r.idx)
	}
	return out
}

type tileObservation struct {
	idx    int
	coords clusters.Coordinates
}

func (o tileObservation) Coordinates() clusters.Coordinates { return o.coords }

func (o tileObservation) Distance(point clusters.Coordinates) float64 {
	return o.coords.Distance(point)
}

// byClusters groups tiles by their intensity profile and takes the member
// closest to each centroid, so training covers every kind of region.
func byClusters(profiles []tileProfile, n int, seed int64) ([]int, error) {
	dims := 2 * len(profiles[0].mean)
	scale := make([]float64, dims)
	for _, p := range profiles {
		for c := range p.mean {
			scale[2*c] = math.Max(scale[2*c], p.mean[c])
			scale[2*c+1] = math.Max(scale[2*c+1], p.std[c])
		}
	}

	dataset := make(clusters.Observations, 0, len(profiles))
	for i, p := range profiles {
		coords := make(clusters.Coordinates, dims)
		for c := range p.mean {
			coords[2*c] = unit(p.mean[c], scale[2*c])
			coords[2*c+1] = unit(p.std[c], scale[2*c+1])
		}
		dataset = append(dataset, tileObservation{idx: i, coords: coords})
	}

	groups, err := partition(dataset, n, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, fmt.Errorf("cluster tiles: %w", err)
	}

	out := make([]int, 0, len(groups))
	for _, group := range groups {
		best, bestDist := -1, math.Inf(1)
		for _, member := range group.Observations {
			obs := member.(tileObservation)
			if d := obs.Distance(group.Center); d < bestDist {
				best, bestDist = obs.idx, d
			}
		}
		if best >= 0 {
			out = append(out, best)
		}
	}
	return out, nil
}

// partition runs Lloyd's k-means over dataset. Initial centers are k distinct
// observations drawn from rng, and empty clusters are refilled from rng, so
// the result depends only on the dataset and the rng state.
func partition(dataset clusters.Observations, k int, rng *rand.Rand) (clusters.Clusters, error) {
	if k <= 0 || k > len(dataset) {
		return nil, fmt.Errorf("k=%d outside [1,%d]", k, len(dataset))
	}

	cc := make(clusters.Clusters, k)
	for ci, idx := range rng.Perm(len(dataset))[:k] {
		cc[ci].Center = append(clusters.Coordinates(nil), dataset[idx].Coordinates()...)
	}

	assigned := make([]int, len(dataset))
	for i := range assigned {
		assigned[i] = -1
	}
	for iter := 0; ; iter++ {
		changes := 0
		cc.Reset()
		for p, point := range dataset {
			ci := cc.Nearest(point)
			cc[ci].Append(point)
			if assigned[p] != ci {
				assigned[p] = ci
				changes++
			}
		}

		for ci := range cc {
			if len(cc[ci].Observations) > 0 {
				continue
			}
			// Steal a point from a cluster that can spare one.
			for {
				ri := rng.Intn(len(dataset))
				from := assigned[ri]
				if len(cc[from].Observations) > 1 {
					cc[from].Observations = removeObservation(cc[from].Observations, dataset[ri])
					cc[ci].Append(dataset[ri])
					assigned[ri] = ci
					break
				}
			}
			changes = len(dataset)
		}

		if changes > 0 {
			cc.Recenter()
		}
		if iter == kmeansMaxIterations || changes < int(float64(len(dataset))*kmeansDelta) || changes == 0 {
			return cc, nil
		}
	}
}

func removeObservation(observations clusters.Observations, target clusters.Observation) clusters.Observations {
	t := target.(tileObservation)
	for i, o := range observations {
		if o.(tileObservation).idx == t.idx {
			return append(observations[:i], observations[i+1:]...)
		}
	}
	return observations
}

func unit(v, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return v / scale
}

func pick(candidates []model.TileBox, indices []int) []model.TileBox {
	sort.Ints(indices)
	out := make([]model.TileBox, 0, len(indices))
	for _, idx := range indices {
		out = append(out, candidates[idx])
	}
	return out
}
