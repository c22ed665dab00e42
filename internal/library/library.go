// Package library scans the station's music directory and turns audio files
// into [types.Track] records.
//
// Metadata comes from embedded tags where present, with a folder/filename
// parsing fallback for untagged files. A quick content fingerprint (file
// size plus the first 8 KiB) supports change detection between rescans
// without hashing whole albums.
package library

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"

	"github.com/OnePlanDan/radiodan/pkg/types"
)

// audioExtensions are the file types the scanner picks up.
var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".ogg": true, ".wav": true,
	".m4a": true, ".aac": true, ".opus": true, ".wma": true,
}

// fingerprintBytes is how much of the file head goes into the quick hash.
const fingerprintBytes = 8192

// Scanner reads a music directory tree into track records.
type Scanner struct {
	musicDir string
	now      func() time.Time
}

// NewScanner creates a scanner rooted at musicDir.
func NewScanner(musicDir string) *Scanner {
	return &Scanner{musicDir: musicDir, now: time.Now}
}

// Scan walks the music directory and returns every readable audio file as a
// track, sorted by path. A missing directory is not an error; it returns an
// empty library so the station can start before music is mounted.
func (s *Scanner) Scan(ctx context.Context) ([]types.Track, error) {
	if _, err := os.Stat(s.musicDir); err != nil {
		slog.Warn("music directory not found", "dir", s.musicDir)
		return nil, nil
	}

	files, err := s.findAudioFiles()
	if err != nil {
		return nil, fmt.Errorf("library: walk %s: %w", s.musicDir, err)
	}

	tracks := make([]types.Track, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		track, err := s.readTrack(path)
		if err != nil {
			slog.Warn("could not read track metadata", "path", path, "err", err)
			continue
		}
		tracks = append(tracks, track)
	}

	slog.Info("library scan complete", "tracks", len(tracks), "dir", s.musicDir)
	return tracks, nil
}

func (s *Scanner) findAudioFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.musicDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if audioExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// readTrack builds one track record: embedded tags first, path parsing for
// whatever the tags leave blank.
func (s *Scanner) readTrack(path string) (types.Track, error) {
	track := types.Track{
		FilePath:    path,
		LastScanned: s.now().UTC(),
	}

	f, err := os.Open(path)
	if err != nil {
		return types.Track{}, err
	}
	defer func() { _ = f.Close() }()

	if meta, err := tag.ReadFrom(f); err == nil {
		track.Artist = strings.TrimSpace(meta.Artist())
		track.Title = strings.TrimSpace(meta.Title())
		track.Album = strings.TrimSpace(meta.Album())
		track.Genre = strings.TrimSpace(meta.Genre())
		if y := meta.Year(); y > 0 {
			track.Year = strconv.Itoa(y)
		}
	}

	if track.Artist == "" || track.Title == "" {
		artist, title := s.parsePath(path)
		if track.Artist == "" {
			track.Artist = artist
		}
		if track.Title == "" {
			track.Title = title
		}
	}

	track.FileHash = quickHash(f)
	return track, nil
}

// parsePath guesses artist and title from the path structure:
//
//	.../Artist/Album/01 - Title.mp3 → Artist, Title
//	.../Artist/Title.mp3            → Artist, Title
//	.../Artist - Title.mp3          → Artist, Title
//	.../Title.mp3                   → "", Title
func (s *Scanner) parsePath(path string) (artist, title string) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var parts []string
	if rel, err := filepath.Rel(s.musicDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		parts = strings.Split(rel, string(filepath.Separator))
	}

	if before, after, found := strings.Cut(stem, " - "); found {
		artist, title = strings.TrimSpace(before), strings.TrimSpace(after)
		// "01 - Title" is a track number, not an artist.
		if isDigits(artist) && len(parts) >= 2 {
			artist = parts[len(parts)-2]
		}
		return artist, title
	}

	clean := strings.TrimSpace(strings.TrimLeft(stem, "0123456789.- "))
	if clean == "" {
		clean = stem
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2], clean
	}
	return "", clean
}

// quickHash fingerprints an open file by size plus its first 8 KiB. Returns
// a stable digest even when reads fail partway.
func quickHash(f *os.File) string {
	h := md5.New()
	if info, err := f.Stat(); err == nil {
		_, _ = io.WriteString(h, strconv.FormatInt(info.Size(), 10))
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		_, _ = io.CopyN(h, f, fingerprintBytes)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
