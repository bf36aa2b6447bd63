package detect

import (
	"fmt"
	"sort"
)

// candidate is one prediction that survived the objectness filter, with
// corner-box coordinates already mapped to original-image pixel space.
type candidate struct {
	classID int
	score   float64

	x1, y1, x2, y2 float64
}

// decodePredictions filters the raw output tensor and converts surviving
// predictions into original-image corner boxes.
//
// The tensor layout is [N, stride] where stride = 5+classes: box center-x/y,
// width/height in model-input pixels, an objectness score, then per-class
// scores. Predictions with objectness <= confThreshold are dropped; the
// reported score is the maximum class score.
func decodePredictions(out []float32, stride int, lb letterbox, confThreshold float64) ([]candidate, error) {
	if stride < 6 {
		return nil, fmt.Errorf("prediction stride %d too small (want >= 6)", stride)
	}
	if len(out)%stride != 0 {
		return nil, fmt.Errorf("output length %d not divisible by stride %d", len(out), stride)
	}

	var cands []candidate
	for off := 0; off < len(out); off += stride {
		objectness := float64(out[off+4])
		if objectness <= confThreshold {
			continue
		}

		classScores := out[off+5 : off+stride]
		classID := 0
		best := classScores[0]
		for i, s := range classScores[1:] {
			if s > best {
				best = s
				classID = i + 1
			}
		}

		cx := float64(out[off])
		cy := float64(out[off+1])
		bw := float64(out[off+2])
		bh := float64(out[off+3])

		x1, y1 := lb.toOriginal(cx-bw/2, cy-bh/2)
		x2, y2 := lb.toOriginal(cx+bw/2, cy+bh/2)

		cands = append(cands, candidate{
			classID: classID,
			score:   float64(best),
			x1:      x1,
			y1:      y1,
			x2:      x2,
			y2:      y2,
		})
	}
	return cands, nil
}

// nms performs greedy non-maximum suppression: sort descending by score,
// repeatedly keep the top remaining box and discard lower-ranked boxes whose
// IoU with it exceeds iouThreshold.
func nms(cands []candidate, iouThreshold float64) []candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].score > sorted[j].score
	})

	var kept []candidate
	for len(sorted) > 0 {
		top := sorted[0]
		kept = append(kept, top)

		remaining := sorted[:0]
		for _, c := range sorted[1:] {
			if iou(top, c) <= iouThreshold {
				remaining = append(remaining, c)
			}
		}
		sorted = remaining
	}
	return kept
}

// iou computes axis-aligned intersection-over-union with zero-clamped overlap
// widths/heights.
func iou(a, b candidate) float64 {
	xx1 := maxf(a.x1, b.x1)
	yy1 := maxf(a.y1, b.y1)
	xx2 := minf(a.x2, b.x2)
	yy2 := minf(a.y2, b.y2)

	w := maxf(0, xx2-xx1)
	h := maxf(0, yy2-yy1)
	inter := w * h

	areaA := (a.x2 - a.x1) * (a.y2 - a.y1)
	areaB := (b.x2 - b.x1) * (b.y2 - b.y1)

	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
