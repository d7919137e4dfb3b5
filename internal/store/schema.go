package store

// schema is applied on every startup with CREATE TABLE IF NOT EXISTS, so it
// is safe to run against an existing database.
const schema = `
CREATE TABLE IF NOT EXISTS tracks (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash     TEXT NOT NULL,
    path             TEXT NOT NULL,
    size             INTEGER NOT NULL DEFAULT 0,
    last_modified    DATETIME,
    title            TEXT DEFAULT '',
    artist           TEXT DEFAULT '',
    album            TEXT DEFAULT '',
    album_artist     TEXT DEFAULT '',
    genre            TEXT DEFAULT '',
    year             INTEGER,
    track_number     INTEGER,
    comment          TEXT DEFAULT '',
    tempo            REAL,
    musical_key      INTEGER,
    mode             INTEGER,
    time_signature   TEXT,
    beats            TEXT DEFAULT '',
    downbeats        TEXT DEFAULT '',
    first_beat_offset REAL,
    first_phrase_beat_no INTEGER,
    audible_start_time REAL,
    audible_end_time   REAL,
    danceability     INTEGER,
    acousticness     INTEGER,
    instrumentalness INTEGER,
    valence          REAL,
    arousal          REAL,
    energy           REAL,
    loudness         REAL,
    spectral_centroid REAL,
    spectral_rolloff  REAL,
    spectral_bandwidth REAL,
    zero_crossing_rate REAL,
    analysis_timestamp DATETIME,
    analysis_version   TEXT DEFAULT '',
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tracks_content_hash ON tracks(content_hash);

CREATE TABLE IF NOT EXISTS analysis_jobs (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash      TEXT NOT NULL,
    track_id          INTEGER NOT NULL DEFAULT 0,
    source_path       TEXT NOT NULL,
    options           TEXT NOT NULL DEFAULT '{}',
    priority          TEXT NOT NULL DEFAULT 'normal',
    status            TEXT NOT NULL DEFAULT 'queued',
    retry_count       INTEGER NOT NULL DEFAULT 0,
    max_retries       INTEGER NOT NULL DEFAULT 3,
    stages_completed  TEXT NOT NULL DEFAULT '[]',
    hook              TEXT DEFAULT '',
    worker_job_id     TEXT DEFAULT '',
    last_error        TEXT DEFAULT '',
    created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at        DATETIME,
    completed_at      DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_content_hash ON analysis_jobs(content_hash);
CREATE INDEX IF NOT EXISTS idx_jobs_hash_created ON analysis_jobs(content_hash, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON analysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON analysis_jobs(status, priority);

CREATE TABLE IF NOT EXISTS waveforms (
    content_hash    TEXT NOT NULL,
    zoom_level      INTEGER NOT NULL,
    stems           INTEGER NOT NULL DEFAULT 0,
    sample_rate     INTEGER NOT NULL,
    samples_per_px  INTEGER NOT NULL,
    num_pixels      INTEGER NOT NULL,
    payload         TEXT NOT NULL,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (content_hash, zoom_level, stems)
);

CREATE TABLE IF NOT EXISTS stem_sets (
    content_hash TEXT PRIMARY KEY,
    paths        TEXT NOT NULL,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    accessed_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_stem_sets_accessed_at ON stem_sets(accessed_at);

CREATE TABLE IF NOT EXISTS hot_cues (
    id         TEXT PRIMARY KEY,
    track_id   INTEGER NOT NULL,
    cue_index  INTEGER NOT NULL,
    position   REAL NOT NULL,
    source     TEXT NOT NULL DEFAULT 'user',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_hot_cues_track ON hot_cues(track_id);

-- Singleton row (id always 1) tracking what is currently loaded per deck.
CREATE TABLE IF NOT EXISTS deck_state (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    deck_a   INTEGER,
    deck_b   INTEGER
);
INSERT OR IGNORE INTO deck_state (id, deck_a, deck_b) VALUES (1, NULL, NULL);
`
