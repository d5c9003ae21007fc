package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
	"github.com/kjstillabower/weather-fanout-service/internal/observability"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// dialect holds the statements that differ between PostgreSQL and MySQL.
// Queries are written with ? placeholders and rebound for PostgreSQL.
type dialect struct {
	driver         string
	upsertLocation string
	upsertCurrent  string
	numberedParams bool
}

var postgresDialect = dialect{
	driver: DriverPostgres,
	upsertLocation: `INSERT INTO locations (name, latitude, longitude, is_tracking, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			is_tracking = locations.is_tracking OR EXCLUDED.is_tracking,
			updated_at = EXCLUDED.updated_at`,
	upsertCurrent: `INSERT INTO current_weather (location_id, temperature, wind_speed, humidity, condition_code, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (location_id) DO UPDATE SET
			temperature = EXCLUDED.temperature,
			wind_speed = EXCLUDED.wind_speed,
			humidity = EXCLUDED.humidity,
			condition_code = EXCLUDED.condition_code,
			fetched_at = EXCLUDED.fetched_at`,
	numberedParams: true,
}

var mysqlDialect = dialect{
	driver: DriverMySQL,
	upsertLocation: `INSERT INTO locations (name, latitude, longitude, is_tracking, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			latitude = VALUES(latitude),
			longitude = VALUES(longitude),
			is_tracking = is_tracking OR VALUES(is_tracking),
			updated_at = VALUES(updated_at)`,
	upsertCurrent: `INSERT INTO current_weather (location_id, temperature, wind_speed, humidity, condition_code, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			temperature = VALUES(temperature),
			wind_speed = VALUES(wind_speed),
			humidity = VALUES(humidity),
			condition_code = VALUES(condition_code),
			fetched_at = VALUES(fetched_at)`,
}

// rebind rewrites ? placeholders to $1..$n when the dialect needs it.
func (d dialect) rebind(query string) string {
	if !d.numberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements Store on PostgreSQL or MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

// SQLConfig configures the connection pool.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenSQL opens and pings the database. MySQL DSNs are forced to parseTime=true and UTC.
func OpenSQL(ctx context.Context, cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var d dialect
	dsn := cfg.DSN
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres:
		d = postgresDialect
	case DriverMySQL:
		d = mysqlDialect
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		dsn = normalized
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, d.driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := NewSQLStore(db, d.driver, logger)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store connected", zap.String("driver", d.driver))
	return s, nil
}

// NewSQLStore wraps an existing handle. driver selects the SQL dialect.
func NewSQLStore(db *sql.DB, driver string, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := postgresDialect
	if driver == DriverMySQL {
		d = mysqlDialect
	}
	return &SQLStore{db: db, dialect: d, logger: logger, now: time.Now}
}

func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func (s *SQLStore) unavailable(op string, err error) error {
	observability.StoreErrorsTotal.WithLabelValues(op).Inc()
	s.logger.Warn("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

const locationColumns = `id, name, latitude, longitude, is_tracking, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (models.Location, error) {
	var loc models.Location
	err := row.Scan(&loc.ID, &loc.Name, &loc.Latitude, &loc.Longitude, &loc.Tracked, &loc.CreatedAt, &loc.UpdatedAt)
	loc.CreatedAt = loc.CreatedAt.UTC()
	loc.UpdatedAt = loc.UpdatedAt.UTC()
	return loc, err
}

func (s *SQLStore) GetLocation(ctx context.Context, name string) (models.Location, error) {
	n, err := normalizeName(name)
	if err != nil {
		return models.Location{}, err
	}
	return s.getLocation(ctx, s.db, n)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getLocation(ctx context.Context, q queryer, name string) (models.Location, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+locationColumns+` FROM locations WHERE name = ?`), name)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, fmt.Errorf("location %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return models.Location{}, s.unavailable("get_location", err)
	}
	return loc, nil
}

func (s *SQLStore) UpsertLocation(ctx context.Context, name string, lat, lon float64, track bool) (models.Location, error) {
	n, err := normalizeName(name)
	if err != nil {
		return models.Location{}, err
	}
	now := timestamp(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Location{}, s.unavailable("upsert_location", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertLocation), n, lat, lon, track, now, now); err != nil {
		return models.Location{}, s.unavailable("upsert_location", err)
	}
	loc, err := s.getLocation(ctx, tx, n)
	if err != nil {
		return models.Location{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Location{}, s.unavailable("upsert_location", err)
	}
	return loc, nil
}

func (s *SQLStore) SetTracked(ctx context.Context, name string, tracked bool) (models.Location, error) {
	n, err := normalizeName(name)
	if err != nil {
		return models.Location{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`UPDATE locations SET is_tracking = ?, updated_at = ? WHERE name = ?`),
		tracked, timestamp(s.now()), n,
	); err != nil {
		return models.Location{}, s.unavailable("set_tracked", err)
	}
	// MySQL reports 0 affected rows for an unchanged value, so existence is checked by reading back.
	return s.getLocation(ctx, s.db, n)
}

func (s *SQLStore) ListTracked(ctx context.Context) ([]models.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE is_tracking = TRUE ORDER BY name`)
	if err != nil {
		return nil, s.unavailable("list_tracked", err)
	}
	defer rows.Close()

	out := make([]models.Location, 0)
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, s.unavailable("list_tracked", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable("list_tracked", err)
	}
	return out, nil
}

type txQueryer interface {
	queryer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) getCurrent(ctx context.Context, q queryer, locationID int64) (models.CurrentConditions, error) {
	var c models.CurrentConditions
	err := q.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT temperature, wind_speed, humidity, condition_code, fetched_at FROM current_weather WHERE location_id = ?`),
		locationID,
	).Scan(&c.Temperature, &c.WindSpeed, &c.Humidity, &c.ConditionCode, &c.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CurrentConditions{}, fmt.Errorf("current for location %d: %w", locationID, ErrNotFound)
	}
	if err != nil {
		return models.CurrentConditions{}, s.unavailable("get_current", err)
	}
	c.FetchedAt = c.FetchedAt.UTC()
	return c, nil
}

func (s *SQLStore) getForecast(ctx context.Context, q txQueryer, locationID int64) ([]models.DailyForecastEntry, error) {
	rows, err := q.QueryContext(ctx,
		s.dialect.rebind(`SELECT day, max_temp, min_temp, condition_code FROM daily_forecasts WHERE location_id = ? ORDER BY day`),
		locationID,
	)
	if err != nil {
		return nil, s.unavailable("get_forecast", err)
	}
	defer rows.Close()

	out := make([]models.DailyForecastEntry, 0, models.ForecastDays)
	for rows.Next() {
		var e models.DailyForecastEntry
		if err := rows.Scan(&e.Date, &e.MaxTemp, &e.MinTemp, &e.ConditionCode); err != nil {
			return nil, s.unavailable("get_forecast", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable("get_forecast", err)
	}
	return out, nil
}

func (s *SQLStore) GetCurrent(ctx context.Context, locationID int64) (models.CurrentConditions, error) {
	return s.getCurrent(ctx, s.db, locationID)
}

func (s *SQLStore) GetForecast(ctx context.Context, locationID int64) ([]models.DailyForecastEntry, error) {
	return s.getForecast(ctx, s.db, locationID)
}

// GetWeather reads both tables inside one repeatable-read transaction so a
// concurrent ReplaceWeather is seen entirely or not at all.
func (s *SQLStore) GetWeather(ctx context.Context, locationID int64) (models.CurrentConditions, []models.DailyForecastEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.CurrentConditions{}, nil, s.unavailable("get_weather", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.getCurrent(ctx, tx, locationID)
	if err != nil {
		return models.CurrentConditions{}, nil, err
	}
	forecast, err := s.getForecast(ctx, tx, locationID)
	if err != nil {
		return models.CurrentConditions{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return models.CurrentConditions{}, nil, s.unavailable("get_weather", err)
	}
	return current, forecast, nil
}

// ReplaceWeather upserts current, deletes the old window and inserts the new one in a single transaction.
func (s *SQLStore) ReplaceWeather(ctx context.Context, locationID int64, current models.CurrentConditions, forecast []models.DailyForecastEntry) error {
	if err := validateForecast(forecast); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.unavailable("replace_weather", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM locations WHERE id = ?`), locationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("location %d: %w", locationID, ErrNotFound)
	}
	if err != nil {
		return s.unavailable("replace_weather", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertCurrent),
		locationID, current.Temperature, current.WindSpeed, current.Humidity, current.ConditionCode, timestamp(current.FetchedAt),
	); err != nil {
		return s.unavailable("replace_weather", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM daily_forecasts WHERE location_id = ?`), locationID); err != nil {
		return s.unavailable("replace_weather", err)
	}

	query, args := insertForecastQuery(locationID, forecast)
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(query), args...); err != nil {
		return s.unavailable("replace_weather", err)
	}
	if err := tx.Commit(); err != nil {
		return s.unavailable("replace_weather", err)
	}
	return nil
}

func insertForecastQuery(locationID int64, forecast []models.DailyForecastEntry) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO daily_forecasts (location_id, day, max_temp, min_temp, condition_code) VALUES `)
	args := make([]any, 0, len(forecast)*5)
	for i, e := range forecast {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, locationID, e.Date, e.MaxTemp, e.MinTemp, e.ConditionCode)
	}
	return b.String(), args
}

func (s *SQLStore) AddNotification(ctx context.Context, locationName, message string) (models.Notification, error) {
	n := models.Notification{
		LocationName: models.NormalizeLocation(locationName),
		Message:      message,
		CreatedAt:    timestamp(s.now()),
	}
	switch s.dialect.driver {
	case DriverPostgres:
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO notifications (location_name, message, created_at) VALUES ($1, $2, $3) RETURNING id`,
			n.LocationName, n.Message, n.CreatedAt,
		).Scan(&n.ID)
		if err != nil {
			return models.Notification{}, s.unavailable("add_notification", err)
		}
	default:
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO notifications (location_name, message, created_at) VALUES (?, ?, ?)`,
			n.LocationName, n.Message, n.CreatedAt,
		)
		if err != nil {
			return models.Notification{}, s.unavailable("add_notification", err)
		}
		if n.ID, err = res.LastInsertId(); err != nil {
			return models.Notification{}, s.unavailable("add_notification", err)
		}
	}
	return n, nil
}

func (s *SQLStore) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT id, location_name, message, created_at FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, s.unavailable("list_notifications", err)
	}
	defer rows.Close()

	out := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.LocationName, &n.Message, &n.CreatedAt); err != nil {
			return nil, s.unavailable("list_notifications", err)
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable("list_notifications", err)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.unavailable("ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for migrations.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver reports the dialect in use.
func (s *SQLStore) Driver() string { return s.dialect.driver }
