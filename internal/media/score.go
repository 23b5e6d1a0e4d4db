package media

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// disqualifiedScore marks a mostly black frame. It loses to every frame
// scored by the normal formula.
const disqualifiedScore = -1e9

// FrameStats summarizes the luma distribution of a frame.
type FrameStats struct {
	Mean       float64
	Variance   float64
	Entropy    float64
	BlackRatio float64
	WhiteRatio float64
}

// AnalyzeFrame computes luma statistics with luma = (54R + 183G + 19B) >> 8.
func AnalyzeFrame(img image.Image) FrameStats {
	var stats FrameStats
	if img == nil {
		return stats
	}
	nrgba := imaging.Clone(img)
	pix := nrgba.Pix
	total := len(pix) / 4
	if total == 0 {
		return stats
	}

	var hist [256]int
	var black, white int
	var sum float64
	for i := 0; i+3 < len(pix); i += 4 {
		luma := (int(pix[i])*54 + int(pix[i+1])*183 + int(pix[i+2])*19) >> 8
		hist[luma]++
		sum += float64(luma)
		if luma < 16 {
			black++
		} else if luma > 240 {
			white++
		}
	}

	n := float64(total)
	mean := sum / n
	var variance, entropy float64
	for v, count := range hist {
		if count == 0 {
			continue
		}
		d := float64(v) - mean
		variance += d * d * float64(count)
		prob := float64(count) / n
		entropy -= prob * math.Log2(prob)
	}

	stats.Mean = mean
	stats.Variance = variance / n
	stats.Entropy = entropy
	stats.BlackRatio = float64(black) / n
	stats.WhiteRatio = float64(white) / n
	return stats
}

// Score rates how useful a frame is as a thumbnail. Higher is better.
func (s FrameStats) Score() float64 {
	if s.BlackRatio > 0.85 {
		return disqualifiedScore
	}

	score := s.Entropy + 2*math.Min(s.Variance/(255*255), 1) - 4*s.BlackRatio - 2*s.WhiteRatio
	if s.Mean < 20 {
		score -= (20 - s.Mean) / 20 * 2
	}
	if s.Mean > 235 {
		score -= (s.Mean - 235) / 20 * 2
	}
	return score
}

// ScoreFrame is AnalyzeFrame followed by Score. Empty frames are disqualified.
func ScoreFrame(img image.Image) float64 {
	if img == nil || img.Bounds().Empty() {
		return disqualifiedScore
	}
	return AnalyzeFrame(img).Score()
}
