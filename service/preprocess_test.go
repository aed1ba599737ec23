package service

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripDataURI(t *testing.T) {
	assert.Equal(t, "QUJD", StripDataURI("data:image/jpeg;base64,QUJD"))
	assert.Equal(t, "QUJD", StripDataURI("QUJD"))
	assert.Equal(t, "b,c", StripDataURI("a,b,c"))
	assert.Equal(t, "", StripDataURI("data:image/png;base64,"))
}

func TestDecodePayloadPrefixEquivalence(t *testing.T) {
	raw := encodePNG(t, gradientImage(10, 7))
	plain := b64(raw)

	a, err := DecodePayload(plain)
	require.NoError(t, err)
	b, err := DecodePayload("data:image/png;base64," + plain)
	require.NoError(t, err)

	assert.Equal(t, raw, a)
	assert.Equal(t, a, b)
}

func TestDecodePayloadAcceptsUnpaddedAndWrapped(t *testing.T) {
	raw := []byte("leaf!")
	unpadded := base64.RawStdEncoding.EncodeToString(raw)
	got, err := DecodePayload(unpadded)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	padded := b64(raw)
	wrapped := padded[:4] + "\n" + padded[4:]
	got, err = DecodePayload(wrapped)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestDecodePayloadRejectsMalformed(t *testing.T) {
	for _, in := range []string{"not-valid-base64!!", "", "   ", "data:image/jpeg;base64,"} {
		_, err := DecodePayload(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrDecode), in)
		stage, ok := StageOf(err)
		require.True(t, ok)
		assert.Equal(t, StageDecode, stage)
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	_, _, err := DecodeImage([]byte("definitely not an image"), DefaultMaxPixels)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

// pngHeader returns a PNG that stops right after its IHDR chunk, enough for
// DecodeConfig to report the declared size.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth, grayscale colour type 0

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeImageRefusesOversizedImages(t *testing.T) {
	bomb := pngHeader(60000, 60000)

	_, _, err := DecodeImage(bomb, DefaultMaxPixels)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "exceeds the limit")

	_, err = PreprocessPayload(b64(bomb))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeImagePixelLimit(t *testing.T) {
	raw := encodePNG(t, gradientImage(10, 10))

	_, _, err := DecodeImage(raw, 99)
	assert.ErrorIs(t, err, ErrDecode)

	img, format, err := DecodeImage(raw, 100)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 10, img.Bounds().Dx())

	_, _, err = DecodeImage(raw, 0)
	assert.NoError(t, err)
}

func TestPreprocessShapeAndRange(t *testing.T) {
	cases := map[string]image.Image{
		"small":    gradientImage(13, 5),
		"large":    gradientImage(500, 300),
		"exact":    gradientImage(ImageSize, ImageSize),
		"gray":     image.NewGray(image.Rect(0, 0, 40, 40)),
		"offset":   gradientImage(64, 64).SubImage(image.Rect(10, 10, 50, 60)),
		"paletted": image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.White, color.Black}),
		"translucent": func() image.Image {
			img := image.NewNRGBA(image.Rect(0, 0, 3, 3))
			for i := range img.Pix {
				img.Pix[i] = 200
			}
			return img
		}(),
	}
	for name, img := range cases {
		t.Run(name, func(t *testing.T) {
			tensor := Preprocess(img)
			assert.Equal(t, []int64{1, ImageSize, ImageSize, Channels}, tensor.Shape)
			require.Len(t, tensor.Data, ImageSize*ImageSize*Channels)
			for _, v := range tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("value %v out of [0,1]", v)
				}
			}
		})
	}
}

func TestPreprocessSolidColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 30, 20))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 51, 255
	}
	tensor := Preprocess(img)
	for i := 0; i < len(tensor.Data); i += Channels {
		assert.InDelta(t, 1.0, tensor.Data[i], 1e-6)
		assert.InDelta(t, 0.0, tensor.Data[i+1], 1e-6)
		assert.InDelta(t, 0.2, tensor.Data[i+2], 1e-6)
	}
}

func TestPreprocessPayloadDeterministic(t *testing.T) {
	payload := b64(encodeJPEG(t, gradientImage(300, 200)))

	first, err := PreprocessPayload(payload)
	require.NoError(t, err)
	second, err := PreprocessPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)

	prefixed, err := PreprocessPayload("data:image/jpeg;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, first.Data, prefixed.Data)
}

func TestPreprocessPayloadBadImageIsDecodeError(t *testing.T) {
	_, err := PreprocessPayload(b64([]byte(strings.Repeat("x", 64))))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}
