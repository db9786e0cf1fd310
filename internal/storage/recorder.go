package storage

import (
	"time"

	"github.com/san-kum/pidtune/internal/episode"
)

// Recorder collects closed episodes of one session and writes the run
// directory when the session ends.
type Recorder struct {
	store   *Store
	meta    RunMetadata
	records []episode.Record
	saved   bool
	err     error
}

// NewRecorder starts a run. meta must carry ID, transport and the starting
// tuning; outcome fields are filled in when the run ends.
func NewRecorder(store *Store, meta RunMetadata) *Recorder {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	return &Recorder{store: store, meta: meta}
}

func (r *Recorder) OnSample(cte, speed float64, cmd episode.Command) {}

func (r *Recorder) OnEpisode(rec episode.Record) {
	r.records = append(r.records, rec)
}

func (r *Recorder) OnFinish(s episode.Summary) {
	r.err = r.Flush(s.Outcome.String(), s)
}

// Flush writes the run once. Later calls are no-ops.
func (r *Recorder) Flush(outcome string, s episode.Summary) error {
	if r.saved {
		return nil
	}
	r.saved = true

	r.meta.Finished = time.Now()
	r.meta.Outcome = outcome
	r.meta.BestGains = s.BestGains
	r.meta.SetBestCost(s.BestCost)
	r.meta.Episodes = s.Episodes
	r.meta.Samples = s.Samples

	return r.store.Save(r.meta, r.records)
}

// Err returns the error of the save triggered by OnFinish.
func (r *Recorder) Err() error { return r.err }

func (r *Recorder) Saved() bool { return r.saved }

func (r *Recorder) Metadata() RunMetadata { return r.meta }

func (r *Recorder) Records() []episode.Record { return r.records }
