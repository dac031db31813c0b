package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// Activation kinds, numbered like nn.ActivationType.
const (
	ScaledReLU = 0
	Sigmoid    = 1
	Tanh       = 2
	Softplus   = 3
	LeakyReLU  = 4
)

const workgroupX = 64

// Activations applies elementwise activation functions on the GPU.
// It satisfies nn.Accelerator. Not safe for concurrent use.
type Activations struct {
	c         *Context
	pipelines map[int]*wgpu.ComputePipeline
	bgls      map[int]*wgpu.BindGroupLayout
}

// NewActivations opens the shared GPU context.
func NewActivations() (*Activations, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &Activations{
		c:         c,
		pipelines: make(map[int]*wgpu.ComputePipeline),
		bgls:      make(map[int]*wgpu.BindGroupLayout),
	}, nil
}

// ActivationShader generates the WGSL source for one activation kind.
func ActivationShader(kind int) (string, error) {
	var body string
	switch kind {
	case ScaledReLU:
		body = `return max(0.0, v * 1.1);`
	case Sigmoid:
		body = `return 1.0 / (1.0 + exp(-v));`
	case Tanh:
		body = `let e2x = exp(2.0 * clamp(v, -20.0, 20.0));
    return (e2x - 1.0) / (e2x + 1.0);`
	case Softplus:
		body = `return log(1.0 + exp(v));`
	case LeakyReLU:
		body = `if (v < 0.0) {
        return v * 0.1;
    }
    return v;`
	default:
		return "", fmt.Errorf("unsupported activation kind %d", kind)
	}

	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read>        src : array<f32>;
@group(0) @binding(1) var<storage, read_write>  dst : array<f32>;

fn activate(v: f32) -> f32 {
    %s
}

@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= arrayLength(&src)) { return; }
    dst[i] = activate(src[i]);
}
`, body, workgroupX), nil
}

func (a *Activations) pipeline(kind int) (*wgpu.ComputePipeline, *wgpu.BindGroupLayout, error) {
	if p, ok := a.pipelines[kind]; ok {
		return p, a.bgls[kind], nil
	}

	code, err := ActivationShader(kind)
	if err != nil {
		return nil, nil, err
	}
	dev := a.c.Device

	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          fmt.Sprintf("act_shader_%d", kind),
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("CreateShaderModule %d: %w", kind, err)
	}
	defer module.Release()

	bgl, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: fmt.Sprintf("act_bgl_%d", kind),
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	pl, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            fmt.Sprintf("act_pl_%d", kind),
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		bgl.Release()
		return nil, nil, err
	}
	defer pl.Release()

	pipeline, err := dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  fmt.Sprintf("act_pipeline_%d", kind),
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		bgl.Release()
		return nil, nil, err
	}

	a.pipelines[kind] = pipeline
	a.bgls[kind] = bgl
	return pipeline, bgl, nil
}

// Activate returns activation(values) computed on the device.
func (a *Activations) Activate(values []float32, kind int) ([]float32, error) {
	if len(values) == 0 {
		return nil, nil
	}
	pipeline, bgl, err := a.pipeline(kind)
	if err != nil {
		return nil, err
	}

	dev := a.c.Device
	q := a.c.Queue
	size := uint64(len(values) * 4)

	src, err := dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "act_src",
		Contents: wgpu.ToBytes(values),
		Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	defer src.Release()

	dst, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "act_dst",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	defer dst.Release()

	readback, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "act_readback",
		Size:  size,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, err
	}
	defer readback.Release()

	bg, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "act_bg",
		Layout: bgl,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: src, Offset: 0, Size: size},
			{Binding: 1, Buffer: dst, Offset: 0, Size: size},
		},
	})
	if err != nil {
		return nil, err
	}
	defer bg.Release()

	enc, err := dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "act_pass"})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(uint32((len(values)+workgroupX-1)/workgroupX), 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(dst, 0, readback, 0, size)

	cb, err := enc.Finish(nil)
	if err != nil {
		enc.Release()
		return nil, err
	}
	enc.Release()
	q.Submit(cb)
	cb.Release()

	done := false
	var mapErr error
	readback.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map status: %d", status)
		}
		done = true
	})
	for i := 0; i < 2000 && !done; i++ {
		dev.Poll(true, nil)
		time.Sleep(100 * time.Microsecond)
	}
	if !done {
		return nil, fmt.Errorf("timeout mapping readback buffer")
	}
	if mapErr != nil {
		return nil, mapErr
	}

	view := readback.GetMappedRange(0, uint(size))
	out := make([]float32, len(values))
	copy(out, wgpu.FromBytes[float32](view))
	readback.Unmap()

	return out, nil
}

// Release frees the cached pipelines. The shared context stays open.
func (a *Activations) Release() {
	for k, p := range a.pipelines {
		p.Release()
		delete(a.pipelines, k)
	}
	for k, bgl := range a.bgls {
		bgl.Release()
		delete(a.bgls, k)
	}
}
