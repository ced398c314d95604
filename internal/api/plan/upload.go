package plan

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// entrySentinel is the name the repackaged ZIP's primary script is
// normalized to, grounded on the upload endpoint's description.
const entrySentinel = "entry.bs"

// isZip reports whether name carries a .zip extension (case-insensitive);
// the file's contents are not inspected.
func isZip(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// repackageZip re-extracts src into a flat directory under destDir,
// normalizing path separators (no nested directories survive) and
// renaming the first non-directory entry it finds to entry.bs so the
// agent always has one well-known primary script to invoke, matching
// CommandUploadAPIView's single-blob-per-command convention generalized
// to archive uploads.
func repackageZip(src, destDir string) (string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("open uploaded zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	entryPath := filepath.Join(destDir, entrySentinel)
	assigned := false

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		normalized := strings.ReplaceAll(filepath.ToSlash(f.Name), "/", "_")

		var outPath string
		if !assigned {
			outPath = entryPath
			assigned = true
		} else {
			outPath = filepath.Join(destDir, normalized)
		}

		if err := extractZipEntry(f, outPath); err != nil {
			return "", err
		}
	}

	if !assigned {
		return "", fmt.Errorf("uploaded zip contained no files")
	}
	return entryPath, nil
}

func extractZipEntry(f *zip.File, outPath string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o400)
	if err != nil {
		return fmt.Errorf("create extracted file %s: %w", outPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("write extracted file %s: %w", outPath, err)
	}
	return nil
}
