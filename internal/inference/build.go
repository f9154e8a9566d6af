package inference

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/Brownie44l1/cxr-api/internal/explain"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

// BuildOptions selects the checkpoint for a new Service.
type BuildOptions struct {
	ModelID      string
	ModelPath    string
	MetadataPath string
	// CAMModelPath overrides gradcam.model_path from the metadata.
	CAMModelPath string
	Workers      int
	CAMWorkers   int
	Contract     preprocess.Contract
}

// Build loads the classifier and, when the metadata declares one, the
// Grad-CAM graph. A classifier failure is fatal; a Grad-CAM failure only
// disables explainability.
func Build(ctx context.Context, opts BuildOptions, logger *slog.Logger) (*Service, error) {
	engine, err := model.Load(ctx, model.Options{
		ID:           opts.ModelID,
		ModelPath:    opts.ModelPath,
		MetadataPath: opts.MetadataPath,
		Workers:      opts.Workers,
		Contract:     opts.Contract,
	})
	if err != nil {
		return nil, err
	}
	closers := []func(){engine.Close}

	var explainer *explain.Explainer
	meta := engine.Metadata()
	if meta.GradCAM != nil {
		camMeta := *meta.GradCAM
		if opts.CAMModelPath != "" {
			camMeta.ModelPath = opts.CAMModelPath
		} else if !filepath.IsAbs(camMeta.ModelPath) {
			camMeta.ModelPath = filepath.Join(filepath.Dir(opts.MetadataPath), camMeta.ModelPath)
		}
		meta.GradCAM = &camMeta
		cam, err := model.LoadCAM(meta, opts.Contract, opts.CAMWorkers)
		if err != nil {
			logger.Warn("grad-cam graph unavailable, explainability disabled", "model_id", opts.ModelID, "error", err)
		} else {
			explainer = explain.NewExplainer(engine, cam, explain.NewCVRenderer())
			closers = append(closers, cam.Close)
		}
	}

	info := engine.Info()
	info.Explainable = explainer != nil

	logger.Info("model loaded",
		"model_id", opts.ModelID,
		"path", opts.ModelPath,
		"architecture", meta.Architecture,
		"workers", opts.Workers,
		"explainable", info.Explainable,
	)
	return NewService(opts.ModelID, preprocess.NewNormalizer(opts.Contract), engine, explainer, info, closers...), nil
}
