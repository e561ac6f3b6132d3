package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"MarketSentry/internal/domain/models"
	"MarketSentry/internal/domain/repository"
	"MarketSentry/pkg/database"
	"MarketSentry/pkg/logger"
)

const (
	defaultTable    = "market_data"
	columns         = "symbol, timestamp, price, volume, bid, ask, data_type, payload"
	streamLookback  = 5 * time.Minute
	defaultSQLPoll  = 30 * time.Second
	maxStreamFetchN = 5000
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// SQLSource reads the market_data table from ClickHouse or Postgres.
type SQLSource struct {
	base

	driver string
	table  string
	every  time.Duration

	clientMu sync.RWMutex
	client   *database.Client
}

var _ repository.SourceAdapter = (*SQLSource)(nil)

func NewSQLSource(cfg models.DataSourceConfig, l *logger.Logger) (*SQLSource, error) {
	driver := database.DriverPostgres
	if cfg.Type == models.SourceClickHouse {
		driver = database.DriverClickHouse
	}
	table := connString(cfg.Connection, "table", defaultTable)
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLSource{
		base:   newBase(cfg, l),
		driver: driver,
		table:  table,
		every:  connDuration(cfg.Connection, "poll_interval", defaultSQLPoll),
	}, nil
}

func (s *SQLSource) Connect(ctx context.Context) error {
	conn := s.cfg.Connection
	client, err := database.NewClient(ctx,
		database.WithDriver(s.driver),
		database.WithHost(connString(conn, "host", "localhost")),
		database.WithPort(connInt(conn, "port", 0)),
		database.WithDatabase(connString(conn, "database", "")),
		database.WithCredentials(connString(conn, "user", ""), connString(conn, "password", "")),
		database.WithSSLMode(connString(conn, "sslmode", "disable")),
		database.WithMaxConnections(connInt(conn, "max_open_conns", 10), connInt(conn, "max_idle_conns", 5)),
		database.WithTimeouts(connDuration(conn, "timeout", 5*time.Second), connDuration(conn, "read_timeout", 10*time.Second)),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
	}
	if connBool(conn, "init_schema", false) {
		if err := client.InitSchema(ctx, []string{schemaDDL(s.driver, s.table)}); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect %s: %w", s.cfg.Name, err)
		}
	}

	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()
	s.connected.Store(true)
	s.l.Info("sql source connected", logger.String("driver", s.driver), logger.String("table", s.table))
	return nil
}

func (s *SQLSource) Disconnect(context.Context) error {
	s.connected.Store(false)
	s.clientMu.Lock()
	client := s.client
	s.client = nil
	s.clientMu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *SQLSource) db() *sqlx.DB {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	if s.client == nil {
		return nil
	}
	return s.client.DB()
}

func (s *SQLSource) TestConnection(ctx context.Context) bool {
	db := s.db()
	if db == nil || !s.IsConnected() {
		return false
	}
	return db.PingContext(ctx) == nil
}

func (s *SQLSource) Heartbeat(ctx context.Context) bool {
	return s.beat(ctx, s.TestConnection)
}

func (s *SQLSource) LatestData(ctx context.Context, symbols []string, limit int) ([]*models.MarketDataPoint, error) {
	db := s.db()
	if db == nil || !s.IsConnected() {
		s.disconnected("latest")
		return []*models.MarketDataPoint{}, nil
	}
	q, args, err := latestQuery(s.driver, s.table, s.symbolsOrDefault(symbols), limit)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, db, q, args)
}

func (s *SQLSource) HistoricalData(ctx context.Context, symbols []string, start, end time.Time, limit int) ([]*models.MarketDataPoint, error) {
	db := s.db()
	if db == nil || !s.IsConnected() {
		s.disconnected("historical")
		return []*models.MarketDataPoint{}, nil
	}
	q, args, err := historyQuery(s.driver, s.table, s.symbolsOrDefault(symbols), start, end, limit)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, db, q, args)
}

func (s *SQLSource) Stream(ctx context.Context, symbols []string) (<-chan *models.MarketDataPoint, error) {
	symbols = s.symbolsOrDefault(symbols)
	return s.poll(ctx, symbols, s.every, time.Now().Add(-streamLookback), s.since)
}

func (s *SQLSource) since(ctx context.Context, symbols []string, after time.Time) ([]*models.MarketDataPoint, error) {
	db := s.db()
	if db == nil {
		return nil, ErrNotConnected
	}
	q, args, err := afterQuery(s.driver, s.table, symbols, after, maxStreamFetchN)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, db, q, args)
}

type marketRow struct {
	Symbol    string          `db:"symbol"`
	Timestamp time.Time       `db:"timestamp"`
	Price     sql.NullFloat64 `db:"price"`
	Volume    sql.NullFloat64 `db:"volume"`
	Bid       sql.NullFloat64 `db:"bid"`
	Ask       sql.NullFloat64 `db:"ask"`
	DataType  sql.NullString  `db:"data_type"`
	Payload   sql.NullString  `db:"payload"`
}

func (s *SQLSource) query(ctx context.Context, db *sqlx.DB, q string, args []interface{}) ([]*models.MarketDataPoint, error) {
	var rows []marketRow
	if err := db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	out := make([]*models.MarketDataPoint, 0, len(rows))
	for i := range rows {
		out = append(out, s.toPoint(&rows[i]))
	}
	return out, nil
}

func (s *SQLSource) toPoint(r *marketRow) *models.MarketDataPoint {
	payload := map[string]interface{}{}
	if r.Payload.Valid && r.Payload.String != "" {
		if err := json.Unmarshal([]byte(r.Payload.String), &payload); err != nil {
			s.l.Debug("payload is not JSON", logger.String("symbol", r.Symbol), logger.Error(err))
			payload = map[string]interface{}{}
		}
	}
	set := func(key string, v sql.NullFloat64) {
		if v.Valid {
			payload[key] = v.Float64
		}
	}
	set("price", r.Price)
	set("volume", r.Volume)
	set("bid", r.Bid)
	set("ask", r.Ask)

	var dt models.DataType
	if r.DataType.Valid {
		if parsed, err := models.ParseDataType(r.DataType.String); err == nil {
			dt = parsed
		}
	}
	p := models.NewMarketDataPoint(r.Symbol, r.Timestamp.UTC(), s.cfg.Type, dt, payload)
	p.SourceName = s.cfg.Name
	return p
}

func latestQuery(driver, table string, symbols []string, limit int) (string, []interface{}, error) {
	if limit <= 0 {
		limit = 1000
	}
	where, args := symbolFilter(symbols)
	q := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp DESC LIMIT ?", columns, table, where)
	args = append(args, limit)
	return bind(driver, q, args)
}

func historyQuery(driver, table string, symbols []string, start, end time.Time, limit int) (string, []interface{}, error) {
	where, args := symbolFilter(symbols)
	if where == "" {
		where = " WHERE timestamp BETWEEN ? AND ?"
	} else {
		where += " AND timestamp BETWEEN ? AND ?"
	}
	args = append(args, start.UTC(), end.UTC())
	q := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp ASC", columns, table, where)
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return bind(driver, q, args)
}

func afterQuery(driver, table string, symbols []string, after time.Time, limit int) (string, []interface{}, error) {
	where, args := symbolFilter(symbols)
	if where == "" {
		where = " WHERE timestamp > ?"
	} else {
		where += " AND timestamp > ?"
	}
	args = append(args, after.UTC(), limit)
	q := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY timestamp ASC LIMIT ?", columns, table, where)
	return bind(driver, q, args)
}

func symbolFilter(symbols []string) (string, []interface{}) {
	if len(symbols) == 0 {
		return "", nil
	}
	return " WHERE symbol IN (?)", []interface{}{symbols}
}

// bind expands IN lists and rewrites placeholders for the driver.
func bind(driver, q string, args []interface{}) (string, []interface{}, error) {
	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return "", nil, fmt.Errorf("build query: %w", err)
	}
	return sqlx.Rebind(sqlx.BindType(driver), q), args, nil
}

func schemaDDL(driver, table string) string {
	if driver == database.DriverClickHouse {
		return strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS " + table + " (",
			"symbol LowCardinality(String), timestamp DateTime64(3, 'UTC'),",
			"price Nullable(Float64), volume Nullable(Float64), bid Nullable(Float64), ask Nullable(Float64),",
			"data_type LowCardinality(String), payload String",
			") ENGINE = MergeTree ORDER BY (symbol, timestamp)",
		}, " ")
	}
	return strings.Join([]string{
		"CREATE TABLE IF NOT EXISTS " + table + " (",
		"symbol TEXT NOT NULL, timestamp TIMESTAMPTZ NOT NULL,",
		"price DOUBLE PRECISION, volume DOUBLE PRECISION, bid DOUBLE PRECISION, ask DOUBLE PRECISION,",
		"data_type TEXT, payload TEXT)",
	}, " ")
}
