package downloader

import (
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

var extensionsByType = map[string]string{
	"image/jpeg":    "jpg",
	"image/pjpeg":   "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/bmp":     "bmp",
	"image/tiff":    "tiff",
	"image/svg+xml": "svg",
	"image/x-icon":  "ico",
}

// filename picks the object name for a task. A filename set by the parser wins
// over the naming scheme.
func (d *Downloader) filename(opts Options, task crawler.TaskItem, digest, contentType string) string {
	ext := extension(contentType, task.URL)
	if name := path.Base(strings.TrimSpace(task.Filename)); name != "" && name != "." && name != "/" {
		if path.Ext(name) == "" {
			name += "." + ext
		}
		return name
	}
	switch opts.Naming {
	case NamingIndex:
		idx := d.index.Add(1) + int64(opts.FileIdxOffset)
		return fmt.Sprintf("%06d.%s", idx, ext)
	case NamingURL:
		return crawler.SafeBasename(task.URL) + "." + ext
	default:
		return digest + "." + ext
	}
}

// extension maps the media type to a file extension, falling back to the URL
// path and finally to "bin".
func extension(contentType, rawURL string) string {
	if ext, ok := extensionsByType[contentType]; ok {
		return ext
	}
	if ext := crawler.Extension(rawURL); ext != "" {
		if ext == "jpeg" {
			return "jpg"
		}
		return ext
	}
	return "bin"
}
