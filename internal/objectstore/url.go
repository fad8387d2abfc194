package objectstore

import (
	"net/url"
	"regexp"
	"strings"
)

// virtualHostedPattern matches virtual-hosted-style S3 HTTP(S) URLs:
// https://{bucket}.s3.{region}.amazonaws.com/{key} or the bucket-only
// https://{bucket}.s3.amazonaws.com/{key} form.
var virtualHostedPattern = regexp.MustCompile(`^([^.]+)\.s3[.\-][^/]*amazonaws\.com$`)

// ParseURL accepts "s3://bucket/key" and both virtual-hosted and path-style
// HTTP(S) S3 URL forms and returns (bucket, key, ok), per spec §4.3
// parse_url. ok is false when s is not a recognized S3 reference.
func ParseURL(s string) (bucket, key string, ok bool) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", false
	}

	switch u.Scheme {
	case "s3":
		return u.Host, strings.TrimPrefix(u.Path, "/"), u.Host != ""
	case "http", "https":
		if m := virtualHostedPattern.FindStringSubmatch(u.Host); m != nil {
			return m[1], strings.TrimPrefix(u.Path, "/"), true
		}
		// Path-style: https://s3.{region}.amazonaws.com/{bucket}/{key}
		if strings.Contains(u.Host, "amazonaws.com") {
			trimmed := strings.TrimPrefix(u.Path, "/")
			parts := strings.SplitN(trimmed, "/", 2)
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				return parts[0], parts[1], true
			}
		}
		return "", "", false
	default:
		return "", "", false
	}
}

// FormatURL builds the s3:// form of (bucket, key), the inverse operation
// exercised by the round-trip property ParseURL(FormatURL(b,k)) == (b,k)
// (spec §8).
func FormatURL(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// contentTypeByExt is the extension table spec §4.3 requires.
var contentTypeByExt = map[string]string{
	".pdf":  "application/pdf",
	".md":   "text/markdown",
	".json": "application/json",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".txt":  "text/plain",
}

// ContentType returns the MIME type for filename's extension, or
// application/octet-stream if unknown (spec §4.3).
func ContentType(filename string) string {
	ext := strings.ToLower(extOf(filename))
	if ct, ok := contentTypeByExt[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func extOf(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}
