package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes an exported checkpoint. It ships as JSON next to the
// .onnx file.
type Metadata struct {
	Architecture string       `json:"architecture"`
	InputName    string       `json:"input_name"`
	OutputName   string       `json:"output_name"`
	InputShape   []int64      `json:"input_shape"`
	OutputShape  []int64      `json:"output_shape"`
	Classes      []string     `json:"classes"`
	ImageSize    int          `json:"image_size"`
	GradCAM      *CAMMetadata `json:"gradcam,omitempty"`
}

// CAMMetadata describes the attribution graph exported alongside the
// classifier. It takes the image and a one-hot target and returns the class
// activation map of TargetLayer plus the logits.
type CAMMetadata struct {
	ModelPath   string  `json:"model_path"`
	TargetLayer string  `json:"target_layer"`
	InputName   string  `json:"input_name"`
	TargetName  string  `json:"target_name"`
	CAMName     string  `json:"cam_name"`
	LogitsName  string  `json:"logits_name"`
	CAMShape    []int64 `json:"cam_shape"`
}

// Info is the diagnostic model description returned by /api/model/info.
type Info struct {
	ModelID       string        `json:"model_id"`
	ModelType     string        `json:"model_type"`
	NumClasses    int           `json:"num_classes"`
	Labels        []string      `json:"labels"`
	ClassOrder    string        `json:"class_order"`
	InputShape    []int64       `json:"input_shape"`
	Framework     string        `json:"framework"`
	Preprocessing Preprocessing `json:"preprocessing"`
	Explainable   bool          `json:"explainable"`
}

type Preprocessing struct {
	Resize string     `json:"resize"`
	Filter string     `json:"filter"`
	Mean   [3]float32 `json:"mean"`
	Std    [3]float32 `json:"std"`
	Layout string     `json:"layout"`
}

// PredictionRequest carries a pre-normalized NCHW tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// LoadMetadata reads and defaults a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	var meta Metadata
	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("parse metadata: %w", err)
	}
	meta.applyDefaults()
	return meta, nil
}

func (m *Metadata) applyDefaults() {
	if m.Architecture == "" {
		m.Architecture = "DenseNet121"
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.GradCAM != nil {
		c := m.GradCAM
		if c.InputName == "" {
			c.InputName = m.InputName
		}
		if c.TargetName == "" {
			c.TargetName = "target"
		}
		if c.CAMName == "" {
			c.CAMName = "cam"
		}
		if c.LogitsName == "" {
			c.LogitsName = "logits"
		}
		if c.TargetLayer == "" {
			c.TargetLayer = "features.denseblock4"
		}
	}
}
