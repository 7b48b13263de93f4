package services

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dhowden/tag"
)

// MediaInfo is the descriptive metadata of a finished artifact
type MediaInfo struct {
	Title  string `json:"title"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Format string `json:"format,omitempty"`
}

var reFetchSuffix = regexp.MustCompile(`_\[[A-Za-z0-9_-]+\]$`)

// ExtractMediaInfo reads embedded tags from an artifact and falls back to
// the file name for anything missing.
func ExtractMediaInfo(path string) MediaInfo {
	fallback := mediaInfoFromPath(path)

	file, err := os.Open(path)
	if err != nil {
		log.Debugf("open %s for tags: %v", path, err)
		return fallback
	}
	defer file.Close()

	meta, err := tag.ReadFrom(file)
	if err != nil {
		log.Debugf("no readable tags in %s: %v", path, err)
		return fallback
	}

	info := MediaInfo{
		Title:  strings.TrimSpace(meta.Title()),
		Artist: strings.TrimSpace(meta.Artist()),
		Album:  strings.TrimSpace(meta.Album()),
		Format: string(meta.FileType()),
	}
	if info.Title == "" {
		info.Title = fallback.Title
	}
	return info
}

// mediaInfoFromPath derives a title from a "<title>_[<id>].<ext>" file name
func mediaInfoFromPath(path string) MediaInfo {
	name := filepath.Base(path)
	title := strings.TrimSuffix(name, filepath.Ext(name))
	title = reFetchSuffix.ReplaceAllString(title, "")
	title = strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
	if title == "" {
		title = name
	}
	return MediaInfo{Title: title}
}
