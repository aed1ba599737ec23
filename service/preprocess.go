package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"
)

// StripDataURI drops a "data:image/...;base64," style prefix: everything up to
// and including the first comma.
func StripDataURI(payload string) string {
	if i := strings.IndexByte(payload, ','); i >= 0 {
		return payload[i+1:]
	}
	return payload
}

// DecodePayload turns the request's image field into raw image bytes.
func DecodePayload(payload string) ([]byte, error) {
	text := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, StripDataURI(payload))
	if text == "" {
		return nil, NewStageError(StageDecode, errors.New("empty image payload"))
	}

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		// browsers occasionally drop the padding
		if unpadded, rawErr := base64.RawStdEncoding.DecodeString(text); rawErr == nil {
			return unpadded, nil
		}
		return nil, NewStageError(StageDecode, fmt.Errorf("decode base64: %w", err))
	}
	return raw, nil
}

// DefaultMaxPixels matches the decompression-bomb threshold of common image
// libraries.
const DefaultMaxPixels int64 = 178_956_970

// DecodeImage parses raw bytes in any registered format. Images whose header
// declares more than maxPixels pixels are refused before any pixel data is
// allocated; maxPixels <= 0 disables the check.
func DecodeImage(raw []byte, maxPixels int64) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", NewStageError(StageDecode, fmt.Errorf("decode image: %w", err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", NewStageError(StageDecode, errors.New("image has no pixels"))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, "", NewStageError(StageDecode,
			fmt.Errorf("image is %dx%d, exceeds the limit of %d pixels", cfg.Width, cfg.Height, maxPixels))
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", NewStageError(StageDecode, fmt.Errorf("decode image: %w", err))
	}
	if img.Bounds().Empty() {
		return nil, "", NewStageError(StageDecode, errors.New("image has no pixels"))
	}
	return img, format, nil
}

// Preprocess resizes img to ImageSize x ImageSize and scales RGB to [0, 1].
// Alpha is discarded; grayscale sources come out with three equal channels.
func Preprocess(img image.Image) *Tensor {
	resized := imaging.Resize(img, ImageSize, ImageSize, imaging.CatmullRom)

	data := make([]float32, ImageSize*ImageSize*Channels)
	i := 0
	for y := range ImageSize {
		row := resized.Pix[resized.PixOffset(0, y):]
		for x := range ImageSize {
			p := row[x*4 : x*4+3]
			data[i] = float32(p[0]) / 255.0
			data[i+1] = float32(p[1]) / 255.0
			data[i+2] = float32(p[2]) / 255.0
			i += Channels
		}
	}

	return &Tensor{
		Shape: []int64{1, ImageSize, ImageSize, Channels},
		Data:  data,
	}
}

// PreprocessPayload runs the full decode and normalize chain.
func PreprocessPayload(payload string) (*Tensor, error) {
	raw, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	img, _, err := DecodeImage(raw, DefaultMaxPixels)
	if err != nil {
		return nil, err
	}
	return Preprocess(img), nil
}
