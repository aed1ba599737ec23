package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	scores []float32
	err    error
	panics bool
	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeClassifier) Run(input []float32) ([]float32, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(f.scores))
	copy(out, f.scores)
	return out, nil
}

func (f *fakeClassifier) Close() error {
	f.closed.Store(true)
	return nil
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
	setErr error
	sets   int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = value
	return nil
}

func oneHot(n, idx int, v float32) []float32 {
	s := make([]float32, n)
	s[idx] = v
	return s
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func b64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
