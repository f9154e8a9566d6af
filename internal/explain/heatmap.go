package explain

import "github.com/Brownie44l1/cxr-api/internal/model"

// Scale rectifies a raw activation map and min-max scales it into [0,1].
// A flat map becomes all zeros.
func Scale(h model.Heatmap) model.Heatmap {
	out := model.Heatmap{Width: h.Width, Height: h.Height, Values: make([]float32, len(h.Values))}
	if len(h.Values) == 0 {
		return out
	}

	lo, hi := float32(0), float32(0)
	for i, v := range h.Values {
		if v < 0 {
			v = 0
		}
		out.Values[i] = v
		if i == 0 || v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	span := hi - lo
	if span <= 1e-7 {
		for i := range out.Values {
			out.Values[i] = 0
		}
		return out
	}
	for i, v := range out.Values {
		out.Values[i] = (v - lo) / span
	}
	return out
}

// Quantize maps a scaled heatmap to 8-bit intensities.
func Quantize(h model.Heatmap) []byte {
	out := make([]byte, len(h.Values))
	for i, v := range h.Values {
		switch {
		case v <= 0:
			out[i] = 0
		case v >= 1:
			out[i] = 255
		default:
			out[i] = uint8(v*255 + 0.5)
		}
	}
	return out
}
