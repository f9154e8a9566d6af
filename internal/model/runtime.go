package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// InitRuntime initializes the process-wide ONNX Runtime environment. Call it
// once before loading any engine; reloads reuse the same environment.
func InitRuntime(sharedLibraryPath string) error {
	if sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime tears the environment down after every engine is closed.
func ShutdownRuntime() error {
	return ort.DestroyEnvironment()
}
