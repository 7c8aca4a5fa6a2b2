package vision

import (
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// InitRuntime loads the ONNX Runtime shared library. Call DestroyRuntime
// when done.
func InitRuntime() error {
	ort.SetSharedLibraryPath(sharedLibraryPath())
	return ort.InitializeEnvironment()
}

func DestroyRuntime() {
	_ = ort.DestroyEnvironment()
}

func sharedLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
