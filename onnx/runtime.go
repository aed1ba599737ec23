package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/krau/leafscan/config"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	pathOnce sync.Once
	libPath  string

	envMu sync.Mutex
)

func LibPath() string {
	pathOnce.Do(func() {
		libPath = resolveLibPath(config.C().Libonnx, runtime.GOOS, fileExists)
		if libPath == "" {
			slog.Error("ONNX Runtime library path could not be determined for this OS")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		}
	})
	return libPath
}

func candidateLibPaths(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			"onnxlibs/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
			"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
		}
	case "darwin":
		return []string{
			"onnxlibs/libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{"onnxlibs/onnxruntime.dll", "onnxruntime.dll"}
	default:
		return nil
	}
}

func resolveLibPath(override, goos string, exists func(string) bool) string {
	if override != "" {
		return override
	}
	for _, p := range candidateLibPaths(goos) {
		if exists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// InitEnvironment initializes the ONNX Runtime environment. It is a no-op
// once initialized and may be retried after a failure.
func InitEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	path := LibPath()
	if path == "" {
		return errors.New("ONNX Runtime library not found, set libonnx or ONNXRUNTIME_LIB")
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func DestroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
