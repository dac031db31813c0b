package gan

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Batch is N images (NCHW, values in [-1, 1]) with their attribute labels.
type Batch struct {
	Images []float32
	Labels Labels
}

// Size returns the number of images.
func (b Batch) Size() int {
	return b.Labels.N
}

// BatchSource is a finite, restartable sequence of batches. Next reports
// ok=false at the end of the sequence; Restart rewinds it, possibly in a new
// order.
type BatchSource interface {
	Next() (Batch, bool)
	Restart() error
}

// SliceSource serves batches held in memory.
type SliceSource struct {
	batches []Batch
	pos     int
	rng     *rand.Rand
}

// NewSliceSource serves batches in order. With a non-nil rng the order is
// reshuffled on every Restart.
func NewSliceSource(batches []Batch, rng *rand.Rand) *SliceSource {
	return &SliceSource{batches: batches, rng: rng}
}

func (s *SliceSource) Next() (Batch, bool) {
	if s.pos >= len(s.batches) {
		return Batch{}, false
	}
	b := s.batches[s.pos]
	s.pos++
	return b, true
}

func (s *SliceSource) Restart() error {
	s.pos = 0
	if s.rng != nil {
		s.rng.Shuffle(len(s.batches), func(i, j int) {
			s.batches[i], s.batches[j] = s.batches[j], s.batches[i]
		})
	}
	return nil
}

// Len returns the number of batches per pass.
func (s *SliceSource) Len() int {
	return len(s.batches)
}

// hairPalette maps hair attributes to RGB colors in [-1, 1].
var hairPalette = map[string][3]float32{
	"Black_Hair": {-0.9, -0.9, -0.9},
	"Blond_Hair": {0.9, 0.7, -0.2},
	"Brown_Hair": {0.1, -0.4, -0.7},
	"Gray_Hair":  {0.4, 0.4, 0.4},
}

// NewSyntheticSource generates batches of procedural portraits: a face disc
// over a background, hair above it. The hair color follows the hair
// attribute; every other attribute tints one color channel of the face.
// Labels are random but respect the hair-color group.
func NewSyntheticSource(cfg Config, batches int, seed int64) (*SliceSource, error) {
	if err := checkAttributeNames(cfg.SelectedAttrs, cfg.NLabels); err != nil {
		return nil, err
	}
	if batches <= 0 || cfg.BatchSize <= 0 || cfg.ImageSize <= 0 {
		return nil, errors.Wrap(ErrConfiguration, "synthetic source needs batches, batch_size and image_size > 0")
	}

	rng := rand.New(rand.NewSource(seed))
	var group []int
	for j, name := range cfg.SelectedAttrs {
		if hairColors[name] {
			group = append(group, j)
		}
	}

	out := make([]Batch, batches)
	for b := range out {
		labels := NewLabels(cfg.BatchSize, cfg.NLabels)
		for i := 0; i < labels.N; i++ {
			for j, name := range cfg.SelectedAttrs {
				if !hairColors[name] && rng.Intn(2) == 1 {
					labels.Set(i, j, 1)
				}
			}
			if len(group) > 0 {
				// One extra slot leaves some rows without a listed color.
				if k := rng.Intn(len(group) + 1); k < len(group) {
					labels.Set(i, group[k], 1)
				}
			}
		}
		out[b] = Batch{Images: drawPortraits(labels, cfg.SelectedAttrs, cfg.ImageSize), Labels: labels}
	}
	return NewSliceSource(out, rng), nil
}

func drawPortraits(labels Labels, names []string, size int) []float32 {
	plane := size * size
	images := make([]float32, labels.N*ImageChannels*plane)
	c := float64(size-1) / 2
	r := float64(size) * 0.3

	for i := 0; i < labels.N; i++ {
		hair := [3]float32{-0.2, -0.2, -0.2}
		face := [3]float32{0.6, 0.3, 0.1}
		tint := 0
		for j, name := range names {
			if labels.At(i, j) == 0 {
				continue
			}
			if col, ok := hairPalette[name]; ok {
				hair = col
				continue
			}
			face[tint%ImageChannels] -= 0.4
			tint++
		}

		img := images[i*ImageChannels*plane : (i+1)*ImageChannels*plane]
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				px := [3]float32{-0.6, -0.6, -0.4}
				dx, dy := float64(x)-c, float64(y)-c
				switch d := math.Hypot(dx, dy); {
				case d < r:
					px = face
				case d < r*1.35 && dy < 0:
					px = hair
				}
				for ch := 0; ch < ImageChannels; ch++ {
					img[ch*plane+y*size+x] = px[ch]
				}
			}
		}
	}
	return images
}
