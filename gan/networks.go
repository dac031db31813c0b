package gan

import (
	"github.com/pkg/errors"

	"github.com/openfluke/attrgan/nn"
)

// Modules are the networks a Composer wires together. Ez and Ey are only
// used by the encoder topology.
type Modules struct {
	G, D   *nn.Module
	Ez, Ey *nn.Module
}

// BuildModules creates the default small convolutional networks for cfg.
// The trainer treats them as opaque: any modules with the same input and
// output shapes can be passed to Compose instead.
func BuildModules(cfg Config) (Modules, error) {
	if err := cfg.Validate(); err != nil {
		return Modules{}, err
	}
	s, l := cfg.ImageSize, cfg.NLabels

	var mods Modules
	var err error
	switch cfg.Topology {
	case TopologyDirect:
		if mods.G, err = nn.NewModule("G", convGenerator(nil, ImageChannels+l, s, cfg)...); err != nil {
			return Modules{}, errors.Wrapf(ErrShapeMismatch, "%v", err)
		}
		if mods.D, err = nn.NewModule("D", convTrunk(ImageChannels, s, cfg.DConvDim, cfg.DRepeatNum, 1+l)...); err != nil {
			return Modules{}, errors.Wrapf(ErrShapeMismatch, "%v", err)
		}

	case TopologyEncoder:
		head := nn.InitDenseLayer(cfg.ZDim+l, cfg.GConvDim*s*s, nn.ActivationLeakyReLU)
		if mods.G, err = nn.NewModule("G", convGenerator(&head, cfg.GConvDim, s, cfg)...); err != nil {
			return Modules{}, errors.Wrapf(ErrShapeMismatch, "%v", err)
		}
		if mods.D, err = nn.NewModule("D", convTrunk(ImageChannels+l, s, cfg.DConvDim, cfg.DRepeatNum, 1+l)...); err != nil {
			return Modules{}, errors.Wrapf(ErrShapeMismatch, "%v", err)
		}
		if mods.Ez, err = nn.NewModule("Ez", convTrunk(ImageChannels, s, cfg.DConvDim, cfg.DRepeatNum, cfg.ZDim)...); err != nil {
			return Modules{}, errors.Wrapf(ErrShapeMismatch, "%v", err)
		}
		if mods.Ey, err = nn.NewModule("Ey", convTrunk(ImageChannels, s, cfg.DConvDim, cfg.DRepeatNum, l)...); err != nil {
			return Modules{}, errors.Wrapf(ErrShapeMismatch, "%v", err)
		}
	}
	return mods, nil
}

// convGenerator keeps full resolution: a 7x7 stem, g_repeat_num 3x3 blocks
// and a 7x7 tanh projection back to image channels. head, if set, maps a
// flat code onto the stem's input plane.
func convGenerator(head *nn.LayerConfig, inChannels, size int, cfg Config) []nn.LayerConfig {
	var layers []nn.LayerConfig
	if head != nil {
		layers = append(layers, *head)
	}
	dim := cfg.GConvDim
	layers = append(layers, nn.InitConv2DLayer(size, size, inChannels, 7, 1, 3, dim, nn.ActivationLeakyReLU))
	for i := 0; i < cfg.GRepeatNum; i++ {
		layers = append(layers, nn.InitConv2DLayer(size, size, dim, 3, 1, 1, dim, nn.ActivationLeakyReLU))
	}
	layers = append(layers, nn.InitConv2DLayer(size, size, dim, 7, 1, 3, ImageChannels, nn.ActivationTanh))
	return layers
}

// convTrunk halves the resolution up to repeat times (doubling the width
// each time) and ends in a linear dense head with out units.
func convTrunk(inChannels, size, dim, repeat, out int) []nn.LayerConfig {
	var layers []nn.LayerConfig
	ch := inChannels
	for i := 0; i < repeat && size >= 4; i++ {
		conv := nn.InitConv2DLayer(size, size, ch, 4, 2, 1, dim, nn.ActivationLeakyReLU)
		layers = append(layers, conv)
		ch, size = dim, conv.OutputHeight
		dim *= 2
	}
	layers = append(layers, nn.InitDenseLayer(ch*size*size, out, nn.ActivationLinear))
	return layers
}
