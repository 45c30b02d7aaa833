package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

// PostgresConfig describes how the catalog initialises its Postgres
// connection pool and where stored files live on disk.
type PostgresConfig struct {
	DSN                 string
	MediaRoot           string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Logger              *slog.Logger
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MediaRoot:       ".",
		AcquireTimeout:  5 * time.Second,
		ApplicationName: "coursemedia",
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// PostgresCatalog reads media records from the media_files table. It never
// writes; uploads are owned by another service.
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *slog.Logger
}

// NewPostgresCatalog opens a pooled connection to the media database. The
// pool connects lazily, so an unreachable server surfaces on first use.
func NewPostgresCatalog(dsn string, opts ...Option) (*PostgresCatalog, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresCatalog{
		pool:   pool,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "catalog", "backend", "postgres"),
	}, nil
}

// Close releases the pool, giving up when ctx ends first.
func (c *PostgresCatalog) Close(ctx context.Context) error {
	if c == nil || c.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const mediaColumns = `id, file, file_type, file_size, mime_type, original_filename, uploaded_by_id, uploaded_at`

func (c *PostgresCatalog) Lookup(ctx context.Context, id string) (MediaFile, error) {
	numericID, ok := parseMediaID(id)
	if !ok {
		return MediaFile{}, ErrNotFound
	}
	ctx, cancel := c.queryContext(ctx)
	defer cancel()

	row := c.pool.QueryRow(ctx, `
SELECT `+mediaColumns+`
FROM media_files
WHERE id = $1
`, numericID)
	file, err := c.scanMediaFile(row)
	if err != nil {
		return MediaFile{}, mapPostgresError(err)
	}
	return file, nil
}

func (c *PostgresCatalog) List(ctx context.Context, filter Filter) ([]MediaFile, error) {
	query, args := buildListQuery(filter)
	ctx, cancel := c.queryContext(ctx)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var files []MediaFile
	for rows.Next() {
		file, err := c.scanMediaFile(rows)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, mapPostgresError(err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return files, nil
}

func (c *PostgresCatalog) Ping(ctx context.Context) error {
	ctx, cancel := c.queryContext(ctx)
	defer cancel()
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *PostgresCatalog) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.AcquireTimeout)
}

func (c *PostgresCatalog) scanMediaFile(row pgx.Row) (MediaFile, error) {
	var (
		id         int64
		path       string
		kind       string
		size       int64
		mimeType   string
		original   string
		uploadedBy *int64
		uploadedAt time.Time
	)
	if err := row.Scan(&id, &path, &kind, &size, &mimeType, &original, &uploadedBy, &uploadedAt); err != nil {
		return MediaFile{}, err
	}
	file := MediaFile{
		ID:               strconv.FormatInt(id, 10),
		Kind:             Kind(kind),
		MimeType:         mimeType,
		SizeBytes:        size,
		OriginalFilename: original,
		UploadedAt:       uploadedAt.UTC(),
	}
	if uploadedBy != nil {
		file.UploadedBy = strconv.FormatInt(*uploadedBy, 10)
	}
	resolved, err := resolveUnderRoot(c.cfg.MediaRoot, path)
	if err != nil {
		c.logger.Warn("media record has unusable path", "id", file.ID, "error", err)
		return MediaFile{}, ErrNotFound
	}
	file.Path = resolved
	return file, nil
}

func buildListQuery(filter Filter) (string, []any) {
	filter = filter.Normalize()
	var (
		clauses []string
		args    []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		clauses = append(clauses, fmt.Sprintf("file_type = $%d", len(args)))
	}
	if filter.UploadedBy != "" {
		if uploader, ok := parseMediaID(filter.UploadedBy); ok {
			args = append(args, uploader)
			clauses = append(clauses, fmt.Sprintf("uploaded_by_id = $%d", len(args)))
		} else {
			clauses = append(clauses, "FALSE")
		}
	}
	if filter.Query != "" {
		args = append(args, "%"+escapeLike(filter.Query)+"%")
		clauses = append(clauses, fmt.Sprintf("original_filename ILIKE $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + mediaColumns + " FROM media_files")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	args = append(args, filter.Limit)
	fmt.Fprintf(&b, " ORDER BY uploaded_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func parseMediaID(id string) (int64, bool) {
	value, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func mapPostgresError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case isNoRows(err):
		return ErrNotFound
	case errors.Is(err, puddle.ErrClosedPool):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("query media files: %w", err)
	}
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
