package gan

import (
	"fmt"

	"github.com/pkg/errors"
)

// hairColors is the mutually exclusive hair-color group. Targets for one of
// these attributes are a hard override: the chosen color is set and every
// other color in the group is cleared.
var hairColors = map[string]bool{
	"Black_Hair": true,
	"Blond_Hair": true,
	"Brown_Hair": true,
	"Gray_Hair":  true,
}

// Labels is an N×L binary attribute matrix stored row-major. Each row is the
// attribute vector of one image.
type Labels struct {
	N, L int
	Data []float32
}

// NewLabels returns a zeroed N×L matrix.
func NewLabels(n, l int) Labels {
	return Labels{N: n, L: l, Data: make([]float32, n*l)}
}

// LabelsFromRows builds a matrix from equally long rows.
func LabelsFromRows(rows [][]float32) (Labels, error) {
	if len(rows) == 0 {
		return Labels{}, errors.Wrap(ErrConfiguration, "no label rows")
	}
	m := NewLabels(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != m.L {
			return Labels{}, errors.Wrapf(ErrConfiguration, "label row %d has %d values, want %d", i, len(row), m.L)
		}
		copy(m.Row(i), row)
	}
	return m, nil
}

func (m Labels) At(i, j int) float32 {
	return m.Data[i*m.L+j]
}

func (m Labels) Set(i, j int, v float32) {
	m.Data[i*m.L+j] = v
}

// Row returns row i, sharing storage with m.
func (m Labels) Row(i int) []float32 {
	return m.Data[i*m.L : (i+1)*m.L]
}

// Clone returns a deep copy.
func (m Labels) Clone() Labels {
	c := Labels{N: m.N, L: m.L, Data: make([]float32, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// Slice returns rows [from, to) as a new matrix.
func (m Labels) Slice(from, to int) Labels {
	c := NewLabels(to-from, m.L)
	copy(c.Data, m.Data[from*m.L:to*m.L])
	return c
}

// Tile broadcasts every label over an h×w plane: the result holds N samples
// of L channels, channel j of sample i filled with m.At(i, j).
func (m Labels) Tile(h, w int) []float32 {
	plane := h * w
	out := make([]float32, m.N*m.L*plane)
	for i := 0; i < m.N; i++ {
		for j := 0; j < m.L; j++ {
			v := m.At(i, j)
			dst := out[(i*m.L+j)*plane : (i*m.L+j+1)*plane]
			for k := range dst {
				dst[k] = v
			}
		}
	}
	return out
}

// ConcatLabels stacks matrices along the batch axis.
func ConcatLabels(ms ...Labels) Labels {
	if len(ms) == 0 {
		return Labels{}
	}
	out := Labels{L: ms[0].L}
	for _, m := range ms {
		out.N += m.N
		out.Data = append(out.Data, m.Data...)
	}
	return out
}

func checkAttributeNames(names []string, l int) error {
	if l == 0 {
		return errors.Wrap(ErrConfiguration, "attribute vectors have zero length")
	}
	if len(names) != l {
		return errors.Wrapf(ErrConfiguration, "%d attribute names for %d labels", len(names), l)
	}
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		if name == "" {
			return errors.Wrapf(ErrConfiguration, "attribute name %d is empty", i)
		}
		if seen[name] {
			return errors.Wrapf(ErrConfiguration, "attribute %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// Synthesize returns one target matrix per attribute dimension, in dimension
// order. For a hair color the target sets that color on every row and clears
// the rest of the group; for any other attribute it flips the column and
// copies everything else. src is never modified.
func Synthesize(src Labels, names []string) ([]Labels, error) {
	if err := checkAttributeNames(names, src.L); err != nil {
		return nil, err
	}

	var group []int
	for j, name := range names {
		if hairColors[name] {
			group = append(group, j)
		}
	}

	targets := make([]Labels, src.L)
	for i, name := range names {
		trg := src.Clone()
		for row := 0; row < trg.N; row++ {
			if hairColors[name] {
				for _, j := range group {
					trg.Set(row, j, 0)
				}
				trg.Set(row, i, 1)
			} else {
				trg.Set(row, i, 1-trg.At(row, i))
			}
		}
		targets[i] = trg
	}
	return targets, nil
}

// ReverseBatch returns the labels in reversed batch order: row i receives
// row N-1-i. This is the online target policy of the step scheduler.
func ReverseBatch(src Labels) Labels {
	out := NewLabels(src.N, src.L)
	for i := 0; i < src.N; i++ {
		copy(out.Row(i), src.Row(src.N-1-i))
	}
	return out
}

// Panel builds the fixed inspection set: the images repeated once per
// attribute, each copy paired with the synthesized target for that attribute.
func Panel(images []float32, labels Labels, names []string) ([]float32, Labels, error) {
	targets, err := Synthesize(labels, names)
	if err != nil {
		return nil, Labels{}, err
	}
	if labels.N == 0 || len(images)%labels.N != 0 {
		return nil, Labels{}, errors.Wrapf(ErrShapeMismatch, "%d image values for %d labels", len(images), labels.N)
	}
	panel := make([]float32, 0, len(images)*len(targets))
	for range targets {
		panel = append(panel, images...)
	}
	return panel, ConcatLabels(targets...), nil
}

func (m Labels) String() string {
	return fmt.Sprintf("labels[%dx%d]", m.N, m.L)
}
