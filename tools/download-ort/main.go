// Build-time tool that fetches the native libraries the in-process text
// embedder links against: the ONNX Runtime shared library and the
// HuggingFace tokenizers static library for the current platform.
//
// The install directory defaults to ./lib, which is where the runtime looks
// when ORT_LIB_DIR is unset (see infrastructure/provider/hugot_ort.go).
//
// Required env: ORT_VERSION        (e.g. "1.23.2")
// Optional env: ORT_LIB_DIR        (default "./lib")
//               TOKENIZERS_VERSION (default "1.24.0")
//
// Usage: ORT_VERSION=1.23.2 go run ./tools/download-ort
package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// artifact is one native library to install: the release archive it ships in
// and the file name it installs as.
type artifact struct {
	name    string
	url     string
	library string
}

func main() {
	ortVersion := os.Getenv("ORT_VERSION")
	if ortVersion == "" {
		fmt.Fprintln(os.Stderr, "ORT_VERSION env var is required")
		os.Exit(1)
	}

	tokVersion := os.Getenv("TOKENIZERS_VERSION")
	if tokVersion == "" {
		tokVersion = "1.24.0"
	}

	libDir := os.Getenv("ORT_LIB_DIR")
	if libDir == "" {
		libDir = "./lib"
	}

	if err := os.MkdirAll(libDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", libDir, err)
		os.Exit(1)
	}

	ort, err := ortArtifact(ortVersion)
	if err == nil {
		var tok artifact
		tok, err = tokenizersArtifact(tokVersion)
		if err == nil {
			for _, a := range []artifact{ort, tok} {
				if err = install(a, libDir); err != nil {
					break
				}
			}
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// install downloads and extracts one artifact unless its library is already
// in place from an earlier run.
func install(a artifact, libDir string) error {
	destPath := filepath.Join(libDir, a.library)
	if _, err := os.Stat(destPath); err == nil {
		fmt.Printf("%s already installed at %s, skipping\n", a.name, destPath)
		return nil
	}

	fmt.Printf("Downloading %s from %s\n", a.name, a.url)
	if err := fetchAndExtract(a.url, libDir, a.library); err != nil {
		return fmt.Errorf("%s download failed: %w", a.name, err)
	}

	fmt.Printf("%s installed to %s\n", a.name, destPath)
	return nil
}

func ortArtifact(version string) (artifact, error) {
	var archive, library string
	switch key := runtime.GOOS + "/" + runtime.GOARCH; key {
	case "linux/amd64":
		archive, library = fmt.Sprintf("onnxruntime-linux-x64-%s.tgz", version), "libonnxruntime.so"
	case "linux/arm64":
		archive, library = fmt.Sprintf("onnxruntime-linux-aarch64-%s.tgz", version), "libonnxruntime.so"
	case "darwin/arm64":
		archive, library = fmt.Sprintf("onnxruntime-osx-arm64-%s.tgz", version), "libonnxruntime.dylib"
	case "darwin/amd64":
		archive, library = fmt.Sprintf("onnxruntime-osx-x86_64-%s.tgz", version), "libonnxruntime.dylib"
	default:
		return artifact{}, fmt.Errorf("no ONNX Runtime release archive for %s", key)
	}

	return artifact{
		name:    "ONNX Runtime " + version,
		url:     fmt.Sprintf("https://github.com/microsoft/onnxruntime/releases/download/v%s/%s", version, archive),
		library: library,
	}, nil
}

func tokenizersArtifact(version string) (artifact, error) {
	var archive string
	switch key := runtime.GOOS + "/" + runtime.GOARCH; key {
	case "linux/amd64":
		archive = "libtokenizers.linux-amd64.tar.gz"
	case "linux/arm64":
		archive = "libtokenizers.linux-arm64.tar.gz"
	case "darwin/arm64":
		archive = "libtokenizers.darwin-arm64.tar.gz"
	case "darwin/amd64":
		archive = "libtokenizers.darwin-x86_64.tar.gz"
	default:
		return artifact{}, fmt.Errorf("no tokenizers release archive for %s", key)
	}

	return artifact{
		name:    "tokenizers " + version,
		url:     fmt.Sprintf("https://github.com/daulet/tokenizers/releases/download/v%s/%s", version, archive),
		library: "libtokenizers.a",
	}, nil
}

// fetchAndExtract downloads url and extracts the named library into destDir,
// retrying transient failures with exponential backoff.
func fetchAndExtract(url, destDir, library string) error {
	delay := 2 * time.Second
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			fmt.Fprintf(os.Stderr, "retry in %s: %v\n", delay, err)
			time.Sleep(delay)
			delay *= 2
		}
		if err = tryFetchAndExtract(url, destDir, library); err == nil {
			return nil
		}
	}
	return err
}

func tryFetchAndExtract(url, destDir, library string) error {
	resp, err := http.Get(url) //nolint:gosec
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}

	return extractLibrary(resp.Body, destDir, library)
}

// extractLibrary scans a gzipped tar stream for the library and writes it to
// destDir under its canonical name. Versioned variants inside the archive
// (libonnxruntime.1.23.2.dylib) match by stem; symlink entries are skipped so
// the installed file is the real library.
func extractLibrary(body io.Reader, destDir, library string) error {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close() //nolint:errcheck

	stem := strings.TrimSuffix(library, filepath.Ext(library))

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		base := filepath.Base(header.Name)
		if base != library && !strings.HasPrefix(base, stem+".") {
			continue
		}

		return writeFile(filepath.Join(destDir, library), tr)
	}

	return fmt.Errorf("%s not found in archive", library)
}

func writeFile(path string, src io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	return out.Close()
}
