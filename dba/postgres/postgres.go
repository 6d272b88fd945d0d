// Package postgres implements the Database Adapter Façade (oml2/dba) against
// PostgreSQL using pgx/v5's low-level pgconn driver directly: ExecParams
// gives per-parameter control over text vs. binary wire format, which
// database/sql's driver interface does not expose.
package postgres

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	jsoniter "github.com/json-iterator/go"

	"oml2/dba"
	"oml2/internal/logging"
	"oml2/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const commitInterval = time.Second

// Backend is the PostgreSQL implementation of dba.Backend.
type Backend struct {
	conn *pgconn.PgConn
	cfg  dba.Config

	commitEvery time.Duration
	lastCommit  time.Time

	tables map[string]*tableHandle

	log *logging.Logger
}

// tableHandle is the per-table backend state: the prepared insert
// statement's name plus one scratch buffer per bound parameter, sized from
// the type map and grown on demand for the variable-length types.
type tableHandle struct {
	stmtName string
	scratch  []*schema.MString
}

func newTableHandle(s *schema.Schema) *tableHandle {
	typeMap := dba.PostgresTypeMap()
	sizes := []int{4, 4, 8, 8}
	for _, f := range s.PayloadFields() {
		sizes = append(sizes, typeMap[f.Type].FixedSize)
	}
	h := &tableHandle{
		stmtName: "OMLInsert-" + s.Name,
		scratch:  make([]*schema.MString, len(sizes)),
	}
	for i, sz := range sizes {
		if sz == 0 {
			sz = 64
		}
		h.scratch[i] = schema.NewMString(sz)
	}
	return h
}

func New() *Backend {
	return &Backend{tables: make(map[string]*tableHandle), log: logging.New("dba.postgres")}
}

// Create performs a two-phase connect: connect to the admin "postgres"
// database, verify CREATEDB, create the target database if it is
// missing, then reconnect to it.
func (b *Backend) Create(ctx context.Context, cfg dba.Config) error {
	b.cfg = cfg
	b.commitEvery = cfg.CommitInterval
	if b.commitEvery <= 0 {
		b.commitEvery = commitInterval
	}

	adminConn, err := b.connect(ctx, "postgres")
	if err != nil {
		return fmt.Errorf("dba/postgres: connect to admin db: %w", err)
	}
	defer adminConn.Close(ctx)

	canCreate, err := b.canCreateDatabase(ctx, adminConn)
	if err != nil {
		return err
	}
	exists, err := b.databaseExists(ctx, adminConn, cfg.DBName)
	if err != nil {
		return err
	}
	if !exists {
		if !canCreate {
			return fmt.Errorf("dba/postgres: database %q does not exist and user %q lacks CREATEDB", cfg.DBName, cfg.User)
		}
		sql := fmt.Sprintf(`CREATE DATABASE "%s"`, cfg.DBName)
		if _, err := adminConn.Exec(ctx, sql).ReadAll(); err != nil {
			return fmt.Errorf("dba/postgres: create database %q: %w", cfg.DBName, err)
		}
	}

	conn, err := b.connect(ctx, cfg.DBName)
	if err != nil {
		return fmt.Errorf("dba/postgres: connect to %q: %w", cfg.DBName, err)
	}
	b.conn = conn

	if err := b.bootstrapInternalTables(ctx); err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "BEGIN").ReadAll(); err != nil {
		return fmt.Errorf("dba/postgres: begin: %w", err)
	}
	b.lastCommit = time.Now()
	return nil
}

// connect dials one database using the conninfo keyword syntax pgconn's
// ParseConfig understands: OML_PG_CONNINFO (when set) supplies the base,
// and the individual host/port/user/password settings layered after it
// take precedence, matching the CLI > environment > defaults order.
func (b *Backend) connect(ctx context.Context, dbname string) (*pgconn.PgConn, error) {
	pc, err := pgconn.ParseConfig(b.connString(dbname))
	if err != nil {
		return nil, fmt.Errorf("dba/postgres: parse conninfo: %w", err)
	}
	pc.OnNotice = b.onNotice
	return pgconn.ConnectConfig(ctx, pc)
}

func (b *Backend) connString(dbname string) string {
	var parts []string
	if b.cfg.ConnInfo != "" {
		parts = append(parts, b.cfg.ConnInfo)
	}
	for _, kv := range [][2]string{
		{"host", b.cfg.Host},
		{"port", b.cfg.Port},
		{"user", b.cfg.User},
		{"password", b.cfg.Password},
		{"dbname", dbname},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+quoteConnValue(kv[1]))
		}
	}
	return strings.Join(parts, " ")
}

func quoteConnValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (b *Backend) canCreateDatabase(ctx context.Context, conn *pgconn.PgConn) (bool, error) {
	results, err := conn.Exec(ctx, "SELECT rolcreatedb FROM pg_roles WHERE rolname = current_user").ReadAll()
	if err != nil {
		return false, fmt.Errorf("dba/postgres: check CREATEDB role: %w", err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return false, nil
	}
	return string(results[0].Rows[0][0]) == "t", nil
}

func (b *Backend) databaseExists(ctx context.Context, conn *pgconn.PgConn, name string) (bool, error) {
	sql := fmt.Sprintf(`SELECT 1 FROM pg_database WHERE datname = '%s'`, escapeLiteral(name))
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return false, fmt.Errorf("dba/postgres: check database existence: %w", err)
	}
	return len(results) > 0 && len(results[0].Rows) > 0, nil
}

func (b *Backend) bootstrapInternalTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _senders (id INT PRIMARY KEY, name TEXT UNIQUE)`,
		`CREATE TABLE IF NOT EXISTS _experiment_metadata (key TEXT, value TEXT)`,
	}
	for _, s := range stmts {
		if _, err := b.conn.Exec(ctx, s).ReadAll(); err != nil {
			return fmt.Errorf("dba/postgres: bootstrap: %w", err)
		}
	}
	return nil
}

// onNotice maps PostgreSQL notice severities to the host log.
func (b *Backend) onNotice(_ *pgconn.PgConn, n *pgconn.Notice) {
	switch n.Severity {
	case "ERROR", "FATAL", "PANIC":
		b.log.Errorf("postgres: %s", n.Message)
	case "WARNING":
		b.log.Warnf("postgres: %s", n.Message)
	default: // NOTICE, INFO, LOG, DEBUG
		b.log.Debugf("postgres: %s", n.Message)
	}
}

func (b *Backend) Release() error {
	ctx := context.Background()
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec(ctx, "COMMIT").ReadAll(); err != nil {
		b.log.Warnf("release: final commit failed: %v", err)
	}
	return b.conn.Close(ctx)
}

func (b *Backend) GetURI() string {
	return fmt.Sprintf("postgresql://%s@%s:%s/%s", b.cfg.User, b.cfg.Host, b.cfg.Port, b.cfg.DBName)
}

// PreparedVar renders PostgreSQL's $-numbered placeholder syntax.
func (b *Backend) PreparedVar(order int) string { return fmt.Sprintf("$%d", order) }

// TableCreate issues the DDL for s and persists its serialized schema
// under _experiment_metadata so table-list rediscovery can reconstruct it
// after a restart.
func (b *Backend) TableCreate(s *schema.Schema) error {
	ctx := context.Background()
	typeMap := dba.PostgresTypeMap()

	var cols strings.Builder
	if s.HasPrimaryKey() {
		cols.WriteString(fmt.Sprintf(`"%s" SERIAL PRIMARY KEY, `, schema.PrimaryKey))
	}
	cols.WriteString(`oml_sender_id INT4, oml_seq INT4, oml_ts_client FLOAT8, oml_ts_server FLOAT8`)
	for _, f := range s.PayloadFields() {
		ct, ok := typeMap[f.Type]
		if !ok {
			return fmt.Errorf("dba/postgres: no DDL mapping for type %s", f.Type)
		}
		cols.WriteString(fmt.Sprintf(`, "%s" %s`, f.Name, ct.DDL))
	}

	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, s.Name, cols.String())
	if _, err := b.conn.Exec(ctx, sql).ReadAll(); err != nil {
		return fmt.Errorf("dba/postgres: create table %q: %w", s.Name, err)
	}

	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("dba/postgres: serialize schema %q: %w", s.Name, err)
	}
	if err := b.SetMetadata("table_"+s.Name, string(blob)); err != nil {
		return err
	}

	// Rediscovery may already have prepared this statement on the current
	// connection; re-preparing the same name is an error, not a no-op.
	if _, done := b.tables[s.Name]; !done {
		h := newTableHandle(s)
		if _, err := b.conn.Prepare(ctx, h.stmtName, b.buildInsertSQL(s), paramOIDs(s)); err != nil {
			return fmt.Errorf("dba/postgres: prepare %q: %w", h.stmtName, err)
		}
		b.tables[s.Name] = h
	}
	return nil
}

// paramOIDs gives the server the wire type of every bound parameter up
// front, so it can decode the binary-format ones correctly instead of
// guessing from context.
func paramOIDs(s *schema.Schema) []uint32 {
	oids := []uint32{pgtype.Int4OID, pgtype.Int4OID, pgtype.Float8OID, pgtype.Float8OID}
	for _, f := range s.PayloadFields() {
		oids = append(oids, fieldOID(f.Type))
	}
	return oids
}

func fieldOID(t schema.Type) uint32 {
	switch t {
	case schema.TypeInt32:
		return pgtype.Int4OID
	case schema.TypeUint32, schema.TypeInt64, schema.TypeGUID, schema.TypeUint64:
		return pgtype.Int8OID
	case schema.TypeDouble:
		return pgtype.Float8OID
	case schema.TypeBool:
		return pgtype.BoolOID
	case schema.TypeBlob:
		return pgtype.ByteaOID
	default: // string and vector-as-JSON-text
		return pgtype.TextOID
	}
}

func (b *Backend) buildInsertSQL(s *schema.Schema) string {
	var cols, placeholders strings.Builder
	cols.WriteString("oml_sender_id, oml_seq, oml_ts_client, oml_ts_server")
	placeholders.WriteString("$1, $2, $3, $4")
	for i, f := range s.PayloadFields() {
		cols.WriteString(fmt.Sprintf(`, "%s"`, f.Name))
		placeholders.WriteString(fmt.Sprintf(", %s", b.PreparedVar(5+i)))
	}
	return fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, s.Name, cols.String(), placeholders.String())
}

func (b *Backend) TableFree(name string) error {
	ctx := context.Background()
	if _, err := b.conn.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name)).ReadAll(); err != nil {
		return fmt.Errorf("dba/postgres: drop table %q: %w", name, err)
	}
	delete(b.tables, name)
	return nil
}

// Insert encodes the four metadata columns plus the schema-declared
// payload into binary parameters and executes the table's prepared
// insert statement. It heartbeats the open transaction once per
// commitEvery.
func (b *Backend) Insert(table string, senderID, seq uint32, tsClient, tsServer float64, values []schema.Value) error {
	ctx := context.Background()
	if err := b.heartbeatTransaction(ctx); err != nil {
		return err
	}
	h, ok := b.tables[table]
	if !ok {
		return fmt.Errorf("dba/postgres: insert into %q: no prepared statement (table not registered)", table)
	}
	if len(values) != len(h.scratch)-4 {
		return fmt.Errorf("dba/postgres: insert into %q: got %d values, statement binds %d", table, len(values), len(h.scratch)-4)
	}

	params := make([][]byte, len(h.scratch))
	formats := make([]int16, len(h.scratch))

	h.scratch[0].Set(encodeInt32(int32(senderID)))
	h.scratch[1].Set(encodeInt32(int32(seq)))
	h.scratch[2].Set(encodeFloat64(tsClient))
	h.scratch[3].Set(encodeFloat64(tsServer))
	formats[0], formats[1], formats[2], formats[3] = 1, 1, 1, 1

	for i, v := range values {
		f, err := encodeValueInto(h.scratch[4+i], v)
		if err != nil {
			return fmt.Errorf("dba/postgres: insert into %q: %w", table, err)
		}
		formats[4+i] = f
	}
	for i, m := range h.scratch {
		params[i] = m.Bytes()
	}

	result := b.conn.ExecPrepared(ctx, h.stmtName, params, formats, nil).Read()
	if result.Err != nil {
		return fmt.Errorf("dba/postgres: exec %q: %w", h.stmtName, result.Err)
	}
	return nil
}

// heartbeatTransaction commits and reopens the session's transaction
// once per commitEvery (the configured interval, commitInterval if unset).
func (b *Backend) heartbeatTransaction(ctx context.Context) error {
	if time.Since(b.lastCommit) < b.commitEvery {
		return nil
	}
	if _, err := b.conn.Exec(ctx, "COMMIT; BEGIN;").ReadAll(); err != nil {
		// The prior transaction may have been poisoned by an earlier
		// statement error; roll back and retry once before giving up.
		if _, rerr := b.conn.Exec(ctx, "ROLLBACK; BEGIN;").ReadAll(); rerr != nil {
			return fmt.Errorf("dba/postgres: reopen transaction: %w (rollback also failed: %v)", err, rerr)
		}
	}
	b.lastCommit = time.Now()
	return nil
}

func (b *Backend) GetKeyValue(key string) (string, bool, error) { return b.getMeta(key) }
func (b *Backend) SetKeyValue(key, value string) error          { return b.SetMetadata(key, value) }
func (b *Backend) GetMetadata(key string) (string, bool, error) { return b.getMeta(key) }

func (b *Backend) getMeta(key string) (string, bool, error) {
	ctx := context.Background()
	sql := fmt.Sprintf(`SELECT value FROM _experiment_metadata WHERE key = '%s'`, escapeLiteral(key))
	results, err := b.conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return "", false, fmt.Errorf("dba/postgres: get_metadata %q: %w", key, err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return "", false, nil
	}
	return string(results[0].Rows[0][0]), true, nil
}

func (b *Backend) SetMetadata(key, value string) error {
	ctx := context.Background()
	del := fmt.Sprintf(`DELETE FROM _experiment_metadata WHERE key = '%s'`, escapeLiteral(key))
	if _, err := b.conn.Exec(ctx, del).ReadAll(); err != nil {
		return fmt.Errorf("dba/postgres: set_metadata %q: %w", key, err)
	}
	ins := fmt.Sprintf(`INSERT INTO _experiment_metadata (key, value) VALUES ('%s', '%s')`, escapeLiteral(key), escapeLiteral(value))
	if _, err := b.conn.Exec(ctx, ins).ReadAll(); err != nil {
		return fmt.Errorf("dba/postgres: set_metadata %q: %w", key, err)
	}
	return nil
}

// AddSenderID allocates MAX(id)+1 on first encounter of name.
func (b *Backend) AddSenderID(name string) (uint32, error) {
	ctx := context.Background()
	sel := fmt.Sprintf(`SELECT id FROM _senders WHERE name = '%s'`, escapeLiteral(name))
	results, err := b.conn.Exec(ctx, sel).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("dba/postgres: lookup sender %q: %w", name, err)
	}
	if len(results) > 0 && len(results[0].Rows) > 0 {
		var id uint32
		fmt.Sscanf(string(results[0].Rows[0][0]), "%d", &id)
		return id, nil
	}

	maxResults, err := b.conn.Exec(ctx, "SELECT COALESCE(MAX(id), -1) FROM _senders").ReadAll()
	if err != nil {
		return 0, fmt.Errorf("dba/postgres: max sender id: %w", err)
	}
	var maxID int64 = -1
	if len(maxResults) > 0 && len(maxResults[0].Rows) > 0 {
		fmt.Sscanf(string(maxResults[0].Rows[0][0]), "%d", &maxID)
	}
	id := uint32(maxID + 1)

	ins := fmt.Sprintf(`INSERT INTO _senders (id, name) VALUES (%d, '%s')`, id, escapeLiteral(name))
	if _, err := b.conn.Exec(ctx, ins).ReadAll(); err != nil {
		return 0, fmt.Errorf("dba/postgres: insert sender %q: %w", name, err)
	}
	return id, nil
}

// GetTableList rediscovers user tables via _experiment_metadata's
// table_<name> entries.
func (b *Backend) GetTableList() ([]dba.TableDescriptor, error) {
	ctx := context.Background()
	results, err := b.conn.Exec(ctx, `SELECT key, value FROM _experiment_metadata WHERE key LIKE 'table\_%' ESCAPE '\'`).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dba/postgres: get_table_list: %w", err)
	}

	descs := []dba.TableDescriptor{{Name: "_senders", Schema: nil}}
	if len(results) == 0 {
		return descs, nil
	}
	for _, row := range results[0].Rows {
		key := string(row[0])
		name := strings.TrimPrefix(key, "table_")
		var s schema.Schema
		if err := json.Unmarshal(row[1], &s); err != nil {
			b.log.Warnf("get_table_list: unparseable schema metadata for %q, skipping: %v", name, err)
			continue
		}
		sc := s
		descs = append(descs, dba.TableDescriptor{Name: name, Schema: &sc})

		h := newTableHandle(&sc)
		if _, err := b.conn.Prepare(ctx, h.stmtName, b.buildInsertSQL(&sc), paramOIDs(&sc)); err != nil {
			b.log.Warnf("get_table_list: re-prepare insert for %q failed: %v", name, err)
			continue
		}
		b.tables[name] = h
	}
	return descs, nil
}

func (b *Backend) Stmt(sql string, args ...any) error {
	ctx := context.Background()
	rendered := sql
	if len(args) > 0 {
		rendered = fmt.Sprintf(sql, args...)
	}
	if _, err := b.conn.Exec(ctx, rendered).ReadAll(); err != nil {
		return fmt.Errorf("dba/postgres: stmt: %w", err)
	}
	return nil
}

// encodeValueInto encodes one payload value into its parameter's scratch
// buffer and reports the wire format flag (0 = text, 1 = binary).
func encodeValueInto(dst *schema.MString, v schema.Value) (format int16, err error) {
	switch v.Type {
	case schema.TypeInt32:
		dst.Set(encodeInt32(v.Int32()))
		return 1, nil
	case schema.TypeUint32:
		dst.Set(encodeInt64(int64(v.Uint32())))
		return 1, nil
	case schema.TypeInt64:
		dst.Set(encodeInt64(v.Int64()))
		return 1, nil
	case schema.TypeGUID:
		dst.Set(encodeInt64(int64(v.GUID())))
		return 1, nil
	case schema.TypeUint64:
		dst.Set(encodeInt64(int64(v.Uint64())))
		return 1, nil
	case schema.TypeDouble:
		dst.Set(encodeFloat64(v.Double()))
		return 1, nil
	case schema.TypeBool:
		if v.Bool() {
			dst.Set([]byte{1})
		} else {
			dst.Set([]byte{0})
		}
		return 1, nil
	case schema.TypeString:
		dst.Set([]byte(v.String()))
		return 0, nil
	case schema.TypeBlob:
		// PQ-escaped bytea: PostgreSQL's hex format, not the raw bytes,
		// since format=0 means the server parses this as text.
		dst.Set([]byte("\\x"))
		dst.Append([]byte(hex.EncodeToString(v.Blob())))
		return 0, nil
	case schema.TypeVectorInt32, schema.TypeVectorUint32, schema.TypeVectorInt64,
		schema.TypeVectorUint64, schema.TypeVectorDouble, schema.TypeVectorBool:
		blob, jerr := json.Marshal(v.AsInterface())
		if jerr != nil {
			return 0, fmt.Errorf("encode vector field: %w", jerr)
		}
		dst.Set(blob)
		return 0, nil
	default:
		return 0, fmt.Errorf("no binary encoding for type %s", v.Type)
	}
}

func encodeValue(v schema.Value) (data []byte, format int16, err error) {
	dst := schema.NewMString(16)
	format, err = encodeValueInto(dst, v)
	if err != nil {
		return nil, 0, err
	}
	return dst.Bytes(), format, nil
}

func encodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func encodeFloat64(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
