package storage

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

type ExportData struct {
	Run      RunMetadata  `json:"run"`
	Episodes []EpisodeRow `json:"episodes"`
}

// ExportJSON writes a run and its episodes as one indented JSON document.
func (s *Store) ExportJSON(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	rows, err := s.LoadEpisodes(runID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ExportData{Run: *meta, Episodes: rows})
}

// ExportCSV copies the run's episode table to w.
func (s *Store) ExportCSV(w io.Writer, runID string) error {
	f, err := os.Open(filepath.Join(s.baseDir, runID, episodesFile))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
