// Package preprocess converts uploaded X-ray bytes into the normalized NCHW
// tensor the classifier was trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// ImageNet statistics in R, G, B order.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// DefaultSize is the DenseNet121 checkpoint input size.
const DefaultSize = 224

// DecodeError reports bytes that are not a supported image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Contract fixes resize target, filter and normalization. It must match the
// checkpoint the engine loads.
type Contract struct {
	Size   int
	Mean   [3]float32
	Std    [3]float32
	Filter resize.InterpolationFunction
}

// DefaultContract is 224x224 bilinear with ImageNet statistics.
func DefaultContract() Contract {
	return Contract{
		Size:   DefaultSize,
		Mean:   ImageNetMean,
		Std:    ImageNetStd,
		Filter: resize.Bilinear,
	}
}

// InputShape is the NCHW shape with batch 1.
func (c Contract) InputShape() []int64 {
	s := int64(c.Size)
	return []int64{1, 3, s, s}
}

// TensorLen is the number of float32 values in one input tensor.
func (c Contract) TensorLen() int {
	return 3 * c.Size * c.Size
}

// Normalized is the preprocessed form of one upload.
type Normalized struct {
	// Tensor is channels-first R, G, B planes of Size*Size values.
	Tensor []float32
	// Resized is the RGB image at model resolution, used for overlays.
	Resized *image.NRGBA
	Format  string
}

// Normalizer applies a Contract to raw bytes. It holds no mutable state.
type Normalizer struct {
	contract Contract
}

func NewNormalizer(contract Contract) *Normalizer {
	return &Normalizer{contract: contract}
}

func (n *Normalizer) Contract() Contract {
	return n.contract
}

// Normalize decodes, converts to 3-channel RGB, resizes and normalizes.
func (n *Normalizer) Normalize(data []byte) (*Normalized, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty image")}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Err: errors.New("image has no pixels")}
	}

	rgb := toRGB(img)
	size := uint(n.contract.Size)
	resized := toRGB(resize.Resize(size, size, rgb, n.contract.Filter))

	return &Normalized{
		Tensor:  n.tensor(resized),
		Resized: resized,
		Format:  format,
	}, nil
}

func (n *Normalizer) tensor(img *image.NRGBA) []float32 {
	size := n.contract.Size
	plane := size * size
	out := make([]float32, 3*plane)

	var scale [3]float32
	for c := range scale {
		scale[c] = 1 / n.contract.Std[c]
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := img.NRGBAAt(x, y)
			i := y*size + x
			out[i] = (float32(px.R)/255 - n.contract.Mean[0]) * scale[0]
			out[plane+i] = (float32(px.G)/255 - n.contract.Mean[1]) * scale[1]
			out[2*plane+i] = (float32(px.B)/255 - n.contract.Mean[2]) * scale[2]
		}
	}
	return out
}

// toRGB returns an opaque, zero-origin NRGBA copy. Grayscale and paletted
// inputs are expanded to three equal channels; alpha is discarded.
func toRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Denormalize maps one tensor value back to an 8-bit channel value.
func (c Contract) Denormalize(channel int, v float32) uint8 {
	f := (v*c.Std[channel] + c.Mean[channel]) * 255
	switch {
	case f <= 0:
		return 0
	case f >= 255:
		return 255
	}
	return uint8(f + 0.5)
}

// ImageFromTensor rebuilds an RGB preview from a normalized tensor. Used when
// a caller submits a pre-normalized tensor and no source image exists.
func (c Contract) ImageFromTensor(tensor []float32) (*image.NRGBA, error) {
	if len(tensor) != c.TensorLen() {
		return nil, fmt.Errorf("expected %d values, got %d", c.TensorLen(), len(tensor))
	}
	size := c.Size
	plane := size * size
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := y*size + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: c.Denormalize(0, tensor[i]),
				G: c.Denormalize(1, tensor[plane+i]),
				B: c.Denormalize(2, tensor[2*plane+i]),
				A: 0xff,
			})
		}
	}
	return img, nil
}

// FilterName names the resampling filter for diagnostics.
func (c Contract) FilterName() string {
	switch c.Filter {
	case resize.NearestNeighbor:
		return "nearest"
	case resize.Bilinear:
		return "bilinear"
	case resize.Bicubic:
		return "bicubic"
	case resize.MitchellNetravali:
		return "mitchell"
	case resize.Lanczos2:
		return "lanczos2"
	case resize.Lanczos3:
		return "lanczos3"
	}
	return "unknown"
}
