// Package types defines the shared records used across all RadioDan packages.
//
// These types form the lingua franca between the library scanner, the
// playlist planner, the stream context, and the plugins. Each package defines
// its own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"path/filepath"
	"time"
)

// Track is one entry in the music library. Created by the library scanner,
// mutated only by rescans, keyed by FilePath.
type Track struct {
	// FilePath is the absolute host path of the audio file. Primary key.
	FilePath string `json:"file_path"`

	Artist string `json:"artist"`
	Title  string `json:"title"`
	Album  string `json:"album"`
	Genre  string `json:"genre"`
	Year   string `json:"year"`

	// DurationSeconds is the track length read from audio tags, or 0 when
	// the tag reader could not determine it.
	DurationSeconds float64 `json:"duration_seconds"`

	// FileHash is a quick content fingerprint (file size plus a prefix hash)
	// used for change detection on rescan.
	FileHash string `json:"file_hash"`

	// LastScanned is when the scanner last read this file.
	LastScanned time.Time `json:"last_scanned"`
}

// Basename returns the file name component of the track path. The streaming
// engine reports container paths, so queue matching compares basenames.
func (t Track) Basename() string {
	return filepath.Base(t.FilePath)
}

// TrackInfo is the now-playing metadata reported by the streaming engine,
// possibly enriched with the planner's tag-sourced metadata.
type TrackInfo struct {
	Artist   string `json:"artist"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Genre    string `json:"genre"`
	Year     string `json:"year"`
	Album    string `json:"album"`

	// DurationSeconds is filled in during enrichment when the planner knows
	// the real track length; the engine itself does not report it.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// QueueEntry is one slot in the planner's upcoming queue: a track plus the
// planning state attached to it. The planner owns queue entries; the mixer's
// request queue mirrors them.
type QueueEntry struct {
	Track

	// ZStagger alternates 0/1 across adjacent queue entries so timeline
	// views can visually offset crossfaded tracks.
	ZStagger int `json:"z_stagger"`

	// EventID is the timeline event created for this entry while it is
	// scheduled. -1 means no event.
	EventID int64 `json:"event_id"`

	// TTSStatus and TTSPath track pre-generated announcement audio for this
	// entry ("pending", "ready", "failed").
	TTSStatus string `json:"tts_status,omitempty"`
	TTSPath   string `json:"tts_path,omitempty"`
}

// HistoryEntry records one past track play. Append-only.
type HistoryEntry struct {
	FilePath string    `json:"file_path"`
	PlayedAt time.Time `json:"played_at"`

	// PlannedPosition is the queue position the track held when it was
	// scheduled, when known.
	PlannedPosition int `json:"planned_position"`
}
