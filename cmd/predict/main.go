// Command predict runs the triage pipeline over local radiographs and
// prints one JSON document per image.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/logging"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/triage"
)

const defaultThreshold = 0.5

type result struct {
	File            string           `json:"file"`
	ModelID         string           `json:"model_id,omitempty"`
	Predictions     []triage.Finding `json:"predictions"`
	UrgencyTier     string           `json:"urgency_tier,omitempty"`
	InferenceTimeMS float64          `json:"inference_time_ms,omitempty"`
	Error           string           `json:"error,omitempty"`
}

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	cfg := config.Load()

	modelPath := flag.String("model", cfg.Model.ModelPath, "path to the .onnx checkpoint")
	metadataPath := flag.String("metadata", cfg.Model.MetadataPath, "path to the model metadata JSON")
	ortPath := flag.String("ort", cfg.Model.SharedLibraryPath, "path to the onnxruntime shared library")
	threshold := flag.Float64("threshold", defaultThreshold, "minimum probability for a finding")
	info := flag.Bool("info", false, "print model metadata and exit")
	flag.Parse()

	logger := logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	if err := inference.ValidateThreshold(*threshold); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if !*info && flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: predict [flags] <image|dir>...")
		flag.PrintDefaults()
		return 2
	}

	if err := model.InitRuntime(*ortPath); err != nil {
		logger.Error("onnx runtime unavailable", "error", err)
		return 1
	}
	defer model.ShutdownRuntime()

	ctx := context.Background()
	svc, err := inference.Build(ctx, inference.BuildOptions{
		ModelID:      filepath.Base(*modelPath),
		ModelPath:    *modelPath,
		MetadataPath: *metadataPath,
		CAMModelPath: cfg.Model.CAMModelPath,
		Workers:      1,
		CAMWorkers:   1,
		Contract:     preprocess.DefaultContract(),
	}, logger)
	if err != nil {
		logger.Error("failed to load model", "error", err)
		return 1
	}
	defer svc.Close()

	enc := json.NewEncoder(os.Stdout)
	if *info {
		enc.SetIndent("", "  ")
		enc.Encode(svc.Info())
		return 0
	}

	files, err := collect(flag.Args())
	if err != nil {
		logger.Error("failed to list inputs", "error", err)
		return 1
	}

	failed := 0
	for _, f := range files {
		res := predictFile(ctx, svc, f, *threshold)
		if res.Error != "" {
			failed++
		}
		enc.Encode(res)
	}
	logger.Info("batch complete", "images", len(files), "failed", failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func predictFile(ctx context.Context, svc *inference.Service, path string, threshold float64) result {
	res := result{File: path}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	pred, err := svc.Predict(ctx, data, threshold)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ModelID = pred.ModelID
	res.Predictions = pred.Case.Findings
	if res.Predictions == nil {
		res.Predictions = []triage.Finding{}
	}
	res.UrgencyTier = string(pred.Case.Urgency)
	res.InferenceTimeMS = float64(pred.Elapsed.Microseconds()) / 1000
	return res
}

// collect expands directories into the images they contain, in walk order.
func collect(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		st, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isImage(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
