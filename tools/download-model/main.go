// Build-time tool that downloads the ONNX export of the CLIP ViT-B/32 text
// tower, used by the in-process text embedder when no TEXT_EMBEDDING
// endpoint is configured.
//
// The default destination is the runtime model directory; pass
// infrastructure/provider/models instead to embed the model into the binary
// via the embed_model build tag.
//
// Usage: go run ./tools/download-model [dest]
package main

import (
	"fmt"
	"os"

	"github.com/knights-analytics/hugot"
)

func main() {
	dest := ".idios/models"
	if len(os.Args) > 1 {
		dest = os.Args[1]
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create directory: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Downloading model to %s...\n", dest)

	opts := hugot.NewDownloadOptions()
	opts.OnnxFilePath = "model.onnx"
	modelPath, err := hugot.DownloadModel("Qdrant/clip-ViT-B-32-text", dest, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "download model: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Model downloaded to %s\n", modelPath)
}
