package explain

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/cxr-api/internal/model"
)

// Renderer blends a scaled heatmap over the model-resolution image and
// returns PNG bytes.
type Renderer interface {
	Render(base image.Image, heat model.Heatmap) ([]byte, error)
}

// CVRenderer colors the heatmap with the JET map and blends it 50/50 with
// the base image.
type CVRenderer struct {
	ImageWeight float64
}

var _ Renderer = CVRenderer{}

func NewCVRenderer() CVRenderer {
	return CVRenderer{ImageWeight: 0.5}
}

func (r CVRenderer) Render(base image.Image, heat model.Heatmap) ([]byte, error) {
	if heat.Width <= 0 || heat.Height <= 0 || len(heat.Values) != heat.Width*heat.Height {
		return nil, fmt.Errorf("invalid heatmap %dx%d with %d values", heat.Width, heat.Height, len(heat.Values))
	}

	img, err := gocv.ImageToMatRGB(base)
	if err != nil {
		return nil, fmt.Errorf("failed to convert base image: %v", err)
	}
	defer img.Close()

	mask, err := gocv.NewMatFromBytes(heat.Height, heat.Width, gocv.MatTypeCV8UC1, Quantize(heat))
	if err != nil {
		return nil, fmt.Errorf("failed to build heatmap mat: %v", err)
	}
	defer mask.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mask, &resized, image.Pt(img.Cols(), img.Rows()), 0, 0, gocv.InterpolationLinear)

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(resized, &colored, gocv.ColormapJet)
	if colored.Empty() {
		return nil, errors.New("failed to apply colormap")
	}

	overlay := gocv.NewMat()
	defer overlay.Close()
	gocv.AddWeighted(colored, 1-r.ImageWeight, img, r.ImageWeight, 0, &overlay)
	if overlay.Empty() {
		return nil, errors.New("failed to blend overlay")
	}

	buf, err := gocv.IMEncode(".png", overlay)
	if err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %v", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
