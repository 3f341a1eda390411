package transcoder

import (
	"fmt"
	"math"
	"strings"
)

// Rendition defines encoding parameters for one rung of the bitrate ladder.
type Rendition struct {
	Name      string
	Width     int
	Height    int
	VideoKbps int
	AudioKbps int
}

// MaxRateKbps is the VBV peak rate for the rendition.
func (r Rendition) MaxRateKbps() int { return int(float64(r.VideoKbps) * 1.4) }

// BufSizeKbps is the VBV buffer size for the rendition.
func (r Rendition) BufSizeKbps() int { return int(float64(r.VideoKbps) * 1.5) }

// Bandwidth is the peak bits per second advertised for the rendition.
func (r Rendition) Bandwidth() int { return (r.MaxRateKbps() + r.AudioKbps) * 1000 }

// DefaultLadder lists renditions from highest to lowest quality.
var DefaultLadder = []Rendition{
	{"4k", 3840, 2160, 12000, 192},
	{"1440p", 2560, 1440, 8000, 160},
	{"1080p", 1920, 1080, 5000, 128},
	{"720p", 1280, 720, 3000, 96},
	{"480p", 854, 480, 1500, 96},
	{"360p", 640, 360, 800, 64},
}

// SelectRenditions keeps every rendition that fits within the source
// dimensions. When none fit, the lowest rendition is used alone.
func SelectRenditions(ladder []Rendition, width, height int) []Rendition {
	if len(ladder) == 0 {
		return nil
	}

	var selected []Rendition
	for _, r := range ladder {
		if r.Width <= width && r.Height <= height {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		return []Rendition{ladder[len(ladder)-1]}
	}
	return selected
}

// GOPSize returns the keyframe interval that aligns keyframes with segment
// boundaries.
func GOPSize(segmentSeconds int, fps float64) int {
	return max(1, int(math.Round(float64(segmentSeconds)*fps)))
}

// GetRenditionByName returns the rendition matching the given name, or nil if not found.
func GetRenditionByName(renditions []Rendition, name string) *Rendition {
	for i := range renditions {
		if renditions[i].Name == name {
			return &renditions[i]
		}
	}
	return nil
}

// BuildFilterComplex splits the source video once per rendition and scales
// each branch to the exact rendition size, letterboxing to keep aspect ratio.
func BuildFilterComplex(renditions []Rendition) string {
	n := len(renditions)
	if n == 0 {
		return ""
	}

	var splitOutputs strings.Builder
	for i := range n {
		splitOutputs.WriteString(fmt.Sprintf("[v%d]", i))
	}

	var filter strings.Builder
	filter.WriteString(fmt.Sprintf("[0:v]split=%d%s", n, splitOutputs.String()))

	for i, r := range renditions {
		filter.WriteString(fmt.Sprintf(
			";[v%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease:flags=bicubic,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1[v%ds]",
			i, r.Width, r.Height, r.Width, r.Height, i))
	}

	return filter.String()
}
