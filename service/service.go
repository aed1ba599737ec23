package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"time"
)

type Options struct {
	Labels   Labels
	Cache    Cache
	CacheTTL time.Duration

	// MaxPixels caps the declared size of decoded images, DefaultMaxPixels when zero.
	MaxPixels  int64
	Activation Activation
}

// Service is the inference pipeline: decode, preprocess, infer, resolve label.
type Service struct {
	loader   *Loader
	labels   Labels
	cache    Cache
	cacheTTL time.Duration
	modelTag string

	maxPixels  int64
	activation Activation
}

func New(loader *Loader, opts Options) *Service {
	labels := opts.Labels
	if len(labels) == 0 {
		labels = DiseaseClasses
	}
	maxPixels := opts.MaxPixels
	if maxPixels == 0 {
		maxPixels = DefaultMaxPixels
	}
	activation := opts.Activation
	if activation == "" {
		activation = ActivationAuto
	}
	return &Service{
		loader:     loader,
		labels:     labels,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		modelTag:   filepath.Base(loader.Path()) + ":" + labels.Fingerprint() + ":" + string(activation),
		maxPixels:  maxPixels,
		activation: activation,
	}
}

func (s *Service) Labels() Labels {
	return s.labels
}

func (s *Service) Status() LoaderStatus {
	return s.loader.Status()
}

// EnsureModel loads the model if it is not loaded yet.
func (s *Service) EnsureModel(ctx context.Context) error {
	_, err := s.loader.Get(ctx)
	return err
}

// Predict classifies a base64 (optionally data-URI prefixed) image.
func (s *Service) Predict(ctx context.Context, payload string) (*Prediction, error) {
	model, err := s.loader.Get(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}

	key := PredictionKey(s.modelTag+":"+s.loader.Version(), raw)
	if cached, ok := s.lookup(ctx, key); ok {
		return cached, nil
	}

	img, format, err := DecodeImage(raw, s.maxPixels)
	if err != nil {
		return nil, err
	}
	slog.Debug("Decoded image",
		slog.String("format", format),
		slog.Int("width", img.Bounds().Dx()),
		slog.Int("height", img.Bounds().Dy()),
	)

	pred, err := Predict(Preprocess(img), model, s.labels, s.activation)
	if err != nil {
		return nil, err
	}

	s.store(ctx, key, pred)
	return pred, nil
}

func (s *Service) Close() error {
	return s.loader.Close()
}

type cachedPrediction struct {
	ClassName   string  `json:"className"`
	Probability float64 `json:"probability"`
	Index       int     `json:"index"`
}

func (s *Service) lookup(ctx context.Context, key string) (*Prediction, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			slog.Warn("Failed to read prediction cache", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var c cachedPrediction
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		slog.Warn("Failed to decode cached prediction", slog.String("error", err.Error()))
		return nil, false
	}
	return &Prediction{ClassName: c.ClassName, Probability: c.Probability, Index: c.Index}, true
}

func (s *Service) store(ctx context.Context, key string, pred *Prediction) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(cachedPrediction{
		ClassName:   pred.ClassName,
		Probability: pred.Probability,
		Index:       pred.Index,
	})
	if err != nil {
		slog.Warn("Failed to encode prediction", slog.String("error", err.Error()))
		return
	}
	if err := s.cache.Set(ctx, key, string(b), s.cacheTTL); err != nil {
		slog.Warn("Failed to write prediction cache", slog.String("error", err.Error()))
	}
}
