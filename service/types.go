package service

const (
	ImageSize = 224
	Channels  = 3
)

// Tensor is a dense float32 array in NHWC order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

type Prediction struct {
	ClassName   string  `json:"className"`
	Probability float64 `json:"probability"`
	Index       int     `json:"-"`
}

// Classifier runs one forward pass over a flattened (1, 224, 224, 3) input
// and returns the class score vector. Implementations must be safe for
// concurrent use.
type Classifier interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// LoadFunc opens the model artifact at path.
type LoadFunc func(path string) (Classifier, error)
