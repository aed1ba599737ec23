package onnx

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/krau/leafscan/service"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	PoolSize       int
	IntraOpThreads int
	// OutputSize is used when the model declares a dynamic class dimension.
	OutputSize int
}

// Session is a pool of ONNX Runtime sessions over one model file. Each pooled
// worker owns its input and output tensors, so Run is safe for concurrent use.
type Session struct {
	mu            sync.RWMutex
	closed        bool
	pool          chan *worker
	workers       []*worker
	inputSize     int
	outputSize    int
	channelsFirst bool
}

var _ service.Classifier = (*Session)(nil)

type worker struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func Load(path string, opts Options) (*Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	inShape, channelsFirst, err := inputLayout(inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	outShape, err := outputLayout(outputs[0].Dimensions, opts.OutputSize)
	if err != nil {
		return nil, err
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	size := max(opts.PoolSize, 1)
	s := &Session{
		pool:          make(chan *worker, size),
		inputSize:     int(inShape.FlattenedSize()),
		outputSize:    int(outShape.FlattenedSize()),
		channelsFirst: channelsFirst,
	}
	for range size {
		w, err := newWorker(path, inputs[0].Name, outputs[0].Name, inShape, outShape, sessOpts)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.workers = append(s.workers, w)
		s.pool <- w
	}
	return s, nil
}

func newWorker(path, inputName, outputName string, inShape, outShape ort.Shape, opts *ort.SessionOptions) (*worker, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return &worker{session: session, input: inputTensor, output: outputTensor}, nil
}

// Run takes an NHWC input and returns the class scores.
func (s *Session) Run(input []float32) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if len(input) != s.inputSize {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), s.inputSize)
	}

	w := <-s.pool
	defer func() { s.pool <- w }()

	if s.channelsFirst {
		toCHW(w.input.GetData(), input, service.ImageSize, service.ImageSize, service.Channels)
	} else {
		copy(w.input.GetData(), input)
	}
	if err := w.session.Run(); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	scores := make([]float32, s.outputSize)
	copy(scores, w.output.GetData())
	return scores, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, w := range s.workers {
		if w.session != nil {
			errs = append(errs, w.session.Destroy())
		}
		errs = append(errs, w.input.Destroy(), w.output.Destroy())
	}
	s.workers = nil
	return errors.Join(errs...)
}

// inputLayout resolves the model's image input to a concrete batch-of-one
// shape, accepting NHWC or NCHW with dynamic dimensions.
func inputLayout(dims ort.Shape) (ort.Shape, bool, error) {
	if len(dims) != 4 {
		return nil, false, fmt.Errorf("model input has rank %d, expected 4", len(dims))
	}
	channelsFirst := dims[1] == service.Channels && dims[3] != service.Channels
	if channelsFirst {
		if err := checkSpatial(dims[2], dims[3]); err != nil {
			return nil, false, err
		}
		return ort.NewShape(1, service.Channels, service.ImageSize, service.ImageSize), true, nil
	}
	if dims[3] > 0 && dims[3] != service.Channels {
		return nil, false, fmt.Errorf("model input has %d channels, expected %d", dims[3], service.Channels)
	}
	if err := checkSpatial(dims[1], dims[2]); err != nil {
		return nil, false, err
	}
	return ort.NewShape(1, service.ImageSize, service.ImageSize, service.Channels), false, nil
}

func checkSpatial(h, w int64) error {
	if (h > 0 && h != service.ImageSize) || (w > 0 && w != service.ImageSize) {
		return fmt.Errorf("model expects %dx%d input, preprocessing produces %dx%d", w, h, service.ImageSize, service.ImageSize)
	}
	return nil
}

// outputLayout pins a dynamic batch to 1 and a dynamic class dimension to
// fallback.
func outputLayout(dims ort.Shape, fallback int) (ort.Shape, error) {
	if len(dims) == 0 {
		return nil, errors.New("model output has no dimensions")
	}
	shape := make(ort.Shape, len(dims))
	copy(shape, dims)
	for i, d := range shape {
		if d > 0 {
			continue
		}
		switch {
		case i == 0 && len(shape) > 1:
			shape[i] = 1
		case fallback > 0:
			shape[i] = int64(fallback)
			fallback = 0
		default:
			return nil, errors.New("model output size is dynamic and no class count was given")
		}
	}
	return shape, nil
}

func toCHW(dst, src []float32, h, w, c int) {
	plane := h * w
	for i := 0; i < plane; i++ {
		for ch := 0; ch < c; ch++ {
			dst[ch*plane+i] = src[i*c+ch]
		}
	}
}
