package persistence

import (
	"database/sql"
	"log/slog"

	"github.com/IliaW/site-crawl-worker/internal/model"
)

type MetadataStorage interface {
	Save(*model.PageMetadata)
}

type MetadataRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewMetadataRepository(db *sql.DB, log *slog.Logger) *MetadataRepository {
	return &MetadataRepository{db: db, log: log}
}

// Save is best-effort: a failed insert is logged and the crawl task
// proceeds, the record is operational telemetry only.
func (mr *MetadataRepository) Save(m *model.PageMetadata) {
	_, err := mr.db.Exec("INSERT INTO page_metadata (url, original_url, depth, mechanism, time_to_render, links_found, links_enqueued, cache_hit, snapshot_link, worker_version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		m.URL,
		m.OriginalURL,
		m.Depth,
		m.Mechanism,
		m.TimeToRender,
		m.LinksFound,
		m.LinksEnqueued,
		m.CacheHit,
		m.SnapshotLink,
		m.WorkerVersion)
	if err != nil {
		mr.log.Error("failed to save page metadata to database.", slog.String("err", err.Error()))
		return
	}
	mr.log.Debug("page metadata saved to db.")
}
