package objectstore

import (
	"fmt"
	"path"
	"strings"

	"github.com/gurre/docflow/internal/model"
)

// typeDir chooses the output-key type directory for a task type (spec §4.3).
func typeDir(t model.TaskType) string {
	switch t.SingleTaskType() {
	case model.TaskOfficeToPDF:
		return "pdf"
	case model.TaskPDFToMarkdown, model.TaskOfficeToMarkdown, model.TaskImageToMarkdown:
		return "markdown"
	default:
		return "converted"
	}
}

// stem returns filename without its final extension.
func stem(filename string) string {
	ext := path.Ext(filename)
	return strings.TrimSuffix(filename, ext)
}

// DeriveOutputKey computes the upload key for a task's final artifact, per
// spec §4.3:
//
//	key = "{bucket_src}/{folder}/{stem(original_filename)}/{type_dir}/{final_filename}"
//
// When bucketSrc is itself the output bucket and sourceKey already contains
// "/pdf/" or "/markdown/", the real source bucket and stem are recovered
// from sourceKey to avoid nesting outputs inside outputs. When bucketSrc or
// originalFilename is empty (no source metadata), the fallback
// "converted/{taskID}/{finalFilename}" is used. This function is pure and
// deterministic: identical inputs always yield an identical key.
func DeriveOutputKey(bucketSrc, outputBucket, folder, sourceKey, originalFilename string, taskID int64, taskType model.TaskType, finalFilename string) string {
	if bucketSrc == "" || originalFilename == "" {
		return fmt.Sprintf("converted/%d/%s", taskID, finalFilename)
	}

	td := typeDir(taskType)

	if bucketSrc == outputBucket && outputBucket != "" {
		if realBucket, realStem, ok := recoverFromNestedKey(sourceKey, td); ok {
			return path.Join(realBucket, realStem, td, finalFilename)
		}
		for _, marker := range []string{"/pdf/", "/markdown/"} {
			if strings.Contains("/"+sourceKey+"/", marker) {
				if realBucket, realStem, ok := recoverFromNestedKey(sourceKey, strings.Trim(marker, "/")); ok {
					return path.Join(realBucket, realStem, td, finalFilename)
				}
			}
		}
	}

	return path.Join(bucketSrc, folder, stem(originalFilename), td, finalFilename)
}

// recoverFromNestedKey parses a key of the form "{real_bucket}/{stem}/pdf/..."
// or "{real_bucket}/{stem}/markdown/..." to recover the original source
// bucket and stem, per spec §4.3's "avoid nesting outputs inside outputs"
// special case.
func recoverFromNestedKey(sourceKey, td string) (realBucket, realStem string, ok bool) {
	marker := "/" + td + "/"
	idx := strings.Index(sourceKey, marker)
	if idx < 0 {
		return "", "", false
	}
	prefix := sourceKey[:idx]
	parts := strings.SplitN(prefix, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
