package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/san-kum/pidtune/internal/control"
	"github.com/san-kum/pidtune/internal/episode"
)

const (
	metadataFile = "metadata.json"
	episodesFile = "episodes.csv"
)

var episodeHeader = []string{
	"episode", "kp", "ki", "kd", "cost", "count",
	"mean_abs_cte", "mean_cte", "distance", "mean_speed",
	"next_kp", "next_ki", "next_kd", "state", "best_cost",
}

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

// RunMetadata describes one tuning session. BestCost is nil when no
// episode was ever scored.
type RunMetadata struct {
	ID             string        `json:"id"`
	Transport      string        `json:"transport"`
	Timestamp      time.Time     `json:"timestamp"`
	Finished       time.Time     `json:"finished"`
	Outcome        string        `json:"outcome"`
	Throttle       float64       `json:"throttle"`
	InitialGains   control.Gains `json:"initial_gains"`
	BestGains      control.Gains `json:"best_gains"`
	BestCost       *float64      `json:"best_cost,omitempty"`
	Steps          []float64     `json:"steps"`
	Tolerance      float64       `json:"tolerance"`
	DistanceBudget float64       `json:"distance_budget"`
	Episodes       int           `json:"episodes"`
	Samples        int           `json:"samples"`
}

// SetBestCost stores c unless it is infinite or NaN.
func (m *RunMetadata) SetBestCost(c float64) {
	if math.IsInf(c, 0) || math.IsNaN(c) {
		m.BestCost = nil
		return
	}
	m.BestCost = &c
}

func (s *Store) Save(meta RunMetadata, records []episode.Record) error {
	if meta.ID == "" {
		return fmt.Errorf("storage: run id is empty")
	}
	runDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}

	metaFile, err := os.Create(filepath.Join(runDir, metadataFile))
	if err != nil {
		return err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return err
	}

	csvFile, err := os.Create(filepath.Join(runDir, episodesFile))
	if err != nil {
		return err
	}
	defer csvFile.Close()

	w := csv.NewWriter(csvFile)
	if err := w.Write(episodeHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write(recordRow(r)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func recordRow(r episode.Record) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 7, 64) }
	d := r.Diagnostics
	return []string{
		strconv.Itoa(r.Episode),
		f(r.Gains.Kp), f(r.Gains.Ki), f(r.Gains.Kd),
		strconv.FormatFloat(r.Cost, 'g', -1, 64),
		strconv.Itoa(d.Count),
		f(d.MeanAbsCTE), f(d.MeanCTE), f(d.Distance), f(d.MeanSpeed),
		f(r.Next.Kp), f(r.Next.Ki), f(r.Next.Kd),
		r.State.String(),
		strconv.FormatFloat(r.BestCost, 'g', -1, 64),
	}
}

// List returns stored runs, newest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Timestamp.After(runs[j].Timestamp)
	})
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// EpisodeRow is one parsed line of episodes.csv.
type EpisodeRow struct {
	Episode    int           `json:"episode"`
	Gains      control.Gains `json:"gains"`
	Cost       float64       `json:"cost"`
	Count      int           `json:"count"`
	MeanAbsCTE float64       `json:"mean_abs_cte"`
	MeanCTE    float64       `json:"mean_cte"`
	Distance   float64       `json:"distance"`
	MeanSpeed  float64       `json:"mean_speed"`
	Next       control.Gains `json:"next"`
	State      string        `json:"state"`
	BestCost   float64       `json:"best_cost"`
}

func (s *Store) LoadEpisodes(runID string) ([]EpisodeRow, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, episodesFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(episodeHeader)

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []EpisodeRow{}, nil
	}

	rows := make([]EpisodeRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		row, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("storage: %s line %d: %w", episodesFile, i+2, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(rec []string) (EpisodeRow, error) {
	p := rowParser{rec: rec}
	row := EpisodeRow{
		Episode:    p.int(0),
		Gains:      control.Gains{Kp: p.float(1), Ki: p.float(2), Kd: p.float(3)},
		Cost:       p.float(4),
		Count:      p.int(5),
		MeanAbsCTE: p.float(6),
		MeanCTE:    p.float(7),
		Distance:   p.float(8),
		MeanSpeed:  p.float(9),
		Next:       control.Gains{Kp: p.float(10), Ki: p.float(11), Kd: p.float(12)},
		State:      rec[13],
		BestCost:   p.float(14),
	}
	return row, p.err
}

// rowParser keeps the first conversion error.
type rowParser struct {
	rec []string
	err error
}

func (p *rowParser) float(i int) float64 {
	v, err := strconv.ParseFloat(p.rec[i], 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", episodeHeader[i], err)
	}
	return v
}

func (p *rowParser) int(i int) int {
	v, err := strconv.Atoi(p.rec[i])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %s: %w", episodeHeader[i], err)
	}
	return v
}
