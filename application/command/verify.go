package command

import (
	"context"
	"math"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/geometry"
)

// Geometric verification gates for local-feature candidates. A candidate
// counts as a match only when enough of its descriptor correspondences agree
// on a well-behaved homography.
const (
	// minMatches is the smallest correspondence set a homography can be
	// estimated from.
	minMatches = 4
	// reprojectionThreshold is the RANSAC inlier distance in pixels.
	reprojectionThreshold = 5.0
	// minInlierRatio rejects candidates whose consensus is mostly outliers.
	minInlierRatio = 0.5
	// maxConditionDrift bounds |1 - cond| of the top-left 2×2 block, keeping
	// only near-rigid transforms.
	maxConditionDrift = 0.1
	// maxPerspectiveTerm bounds the perspective row of the homography.
	maxPerspectiveTerm = 0.1
)

// searchByLocalFeatures matches the image behind url against the collection
// descriptor by descriptor and verifies each candidate geometrically:
// candidates survive only when a homography maps enough query keypoints onto
// their keypoints. Similarity is the inlier percentage. Results keep the
// candidate discovery order; the verification filters stand in for a global
// cut at limit.
func (c *Commands) searchByLocalFeatures(ctx context.Context, m Model, url string, limit int) ([]SearchHit, error) {
	queryVectors, queryPositions, err := c.queryDescriptors(ctx, m, url)
	if err != nil {
		return nil, err
	}

	hitLists, err := m.collection.Search(ctx, queryVectors, limit)
	if err != nil {
		return nil, err
	}

	// One correspondence per (query descriptor, candidate): only the first
	// hit of a candidate within a result list counts, the way a ratio test
	// would keep the strongest match.
	type correspondence struct {
		query     geometry.Point
		candidate geometry.Point
	}
	matches := make(map[string][]correspondence)
	metadatas := make(map[string]string)
	var order []string

	for i, hits := range hitLists {
		seen := make(map[string]bool)
		for _, hit := range hits {
			candidate, tag := vector.SplitKey(hit.URL())
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			x, y, ok := model.ParseTag(tag)
			if !ok {
				continue
			}
			if _, known := matches[candidate]; !known {
				order = append(order, candidate)
				metadatas[candidate] = hit.Metadata()
			}
			matches[candidate] = append(matches[candidate], correspondence{
				query:     queryPositions[i],
				candidate: geometry.Point{X: x, Y: y},
			})
		}
	}

	results := make([]SearchHit, 0, len(order))
	for _, candidate := range order {
		pairs := matches[candidate]
		if len(pairs) < minMatches {
			continue
		}

		src := make([]geometry.Point, len(pairs))
		dst := make([]geometry.Point, len(pairs))
		for j, p := range pairs {
			src[j], dst[j] = p.query, p.candidate
		}

		h, inliers, err := geometry.EstimateRANSAC(src, dst, reprojectionThreshold)
		if err != nil {
			// No consensus means no geometric relation worth reporting.
			continue
		}

		count := 0
		for _, in := range inliers {
			if in {
				count++
			}
		}
		ratio := float64(count) / float64(len(pairs))

		if ratio < minInlierRatio {
			continue
		}
		if h.Det() == 0 {
			continue
		}
		if math.Abs(1-h.TopLeftCondition()) > maxConditionDrift {
			continue
		}
		if math.Abs(h.At(2, 0)) > maxPerspectiveTerm || math.Abs(h.At(2, 1)) > maxPerspectiveTerm {
			continue
		}

		results = append(results, SearchHit{
			URL:        candidate,
			Metadata:   metadataJSON(metadatas[candidate]),
			Similarity: 100 * ratio,
		})
	}

	c.logger.DebugContext(ctx, "geometric verification",
		"model", m.desc.Name(), "candidates", len(order), "matches", len(results))

	return results, nil
}

// queryDescriptors resolves the query-side descriptors for url: the stored
// composite rows when the url is already indexed (positions parsed from the
// key tags), freshly computed descriptors otherwise.
func (c *Commands) queryDescriptors(ctx context.Context, m Model, url string) ([][]float32, []geometry.Point, error) {
	rows, err := m.collection.QueryPrefix(ctx, url+"#", vector.NewFields(true, false))
	if err != nil {
		return nil, nil, err
	}

	if len(rows) > 0 {
		vectors := make([][]float32, 0, len(rows))
		positions := make([]geometry.Point, 0, len(rows))
		for _, row := range rows {
			_, tag := vector.SplitKey(row.URL())
			x, y, ok := model.ParseTag(tag)
			if !ok {
				continue
			}
			vectors = append(vectors, row.Embedding())
			positions = append(positions, geometry.Point{X: x, Y: y})
		}
		return vectors, positions, nil
	}

	if m.locals == nil {
		return nil, nil, fault.Server("model %s has no local descriptor provider", m.desc.Name())
	}

	img, err := c.loader.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	descriptors, err := m.locals.LocalDescriptors(ctx, img)
	if err != nil {
		return nil, nil, err
	}

	vectors := make([][]float32, 0, len(descriptors))
	positions := make([]geometry.Point, 0, len(descriptors))
	for _, d := range descriptors {
		vectors = append(vectors, d.Vector())
		positions = append(positions, geometry.Point{X: d.Location().X(), Y: d.Location().Y()})
	}
	return vectors, positions, nil
}
