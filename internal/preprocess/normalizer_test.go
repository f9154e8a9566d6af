package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pixelTolerance = 0.03

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uniformGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func expected(channel int, v float32) float32 {
	return (v/255 - ImageNetMean[channel]) / ImageNetStd[channel]
}

func TestNormalizeGrayscaleUpconverts(t *testing.T) {
	n := NewNormalizer(DefaultContract())
	out, err := n.Normalize(encodePNG(t, uniformGray(512, 400, 255)))
	require.NoError(t, err)

	assert.Equal(t, "png", out.Format)
	require.Len(t, out.Tensor, 3*224*224)
	assert.Equal(t, image.Rect(0, 0, 224, 224), out.Resized.Bounds())

	plane := 224 * 224
	for c := 0; c < 3; c++ {
		for _, i := range []int{0, plane / 2, plane - 1} {
			assert.InDelta(t, expected(c, 255), out.Tensor[c*plane+i], pixelTolerance, "channel %d", c)
		}
	}
}

func TestNormalizeChannelOrderIsRGB(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	n := NewNormalizer(DefaultContract())
	out, err := n.Normalize(encodePNG(t, img))
	require.NoError(t, err)

	plane := 224 * 224
	center := 112*224 + 112
	assert.InDelta(t, expected(0, 255), out.Tensor[center], pixelTolerance)
	assert.InDelta(t, expected(1, 0), out.Tensor[plane+center], pixelTolerance)
	assert.InDelta(t, expected(2, 0), out.Tensor[2*plane+center], pixelTolerance)
}

func TestNormalizeDropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 200, 200, 200, 10
	}

	out, err := NewNormalizer(DefaultContract()).Normalize(encodePNG(t, img))
	require.NoError(t, err)
	assert.InDelta(t, expected(0, 200), out.Tensor[0], pixelTolerance)
}

func TestNormalizeJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, uniformGray(300, 300, 0), nil))

	out, err := NewNormalizer(DefaultContract()).Normalize(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", out.Format)
	assert.InDelta(t, expected(2, 0), out.Tensor[2*224*224], 2*pixelTolerance)
}

func TestNormalizeMalformedBytes(t *testing.T) {
	n := NewNormalizer(DefaultContract())
	for name, data := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": encodePNG(t, uniformGray(16, 16, 1))[:20],
	} {
		out, err := n.Normalize(data)
		assert.Nil(t, out, name)

		var decodeErr *DecodeError
		assert.True(t, errors.As(err, &decodeErr), name)
	}
}

func TestContractShape(t *testing.T) {
	c := DefaultContract()
	assert.Equal(t, []int64{1, 3, 224, 224}, c.InputShape())
	assert.Equal(t, 150528, c.TensorLen())
}

func TestImageFromTensorRoundTrip(t *testing.T) {
	c := DefaultContract()
	c.Size = 8
	n := NewNormalizer(c)

	out, err := n.Normalize(encodePNG(t, uniformGray(8, 8, 128)))
	require.NoError(t, err)

	img, err := c.ImageFromTensor(out.Tensor)
	require.NoError(t, err)
	px := img.NRGBAAt(3, 3)
	assert.InDelta(t, 128, int(px.R), 1)
	assert.InDelta(t, 128, int(px.B), 1)

	_, err = c.ImageFromTensor(out.Tensor[:10])
	assert.Error(t, err)
}
