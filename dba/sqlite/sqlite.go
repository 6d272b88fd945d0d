// Package sqlite implements the Database Adapter Façade (oml2/dba) against
// a local SQLite file via modernc.org/sqlite, covering the "common adapter
// contract" for standalone/offline collection setups that don't
// need PostgreSQL; it does not attempt the PostgreSQL backend's binary
// wire-format path, since database/sql's driver interface (which
// modernc.org/sqlite implements) has no equivalent to expose.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"oml2/dba"
	"oml2/internal/logging"
	"oml2/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend is the SQLite implementation of dba.Backend.
type Backend struct {
	db   *sql.DB
	path string

	inserts map[string]*sql.Stmt

	log *logging.Logger
}

func New() *Backend {
	return &Backend{inserts: make(map[string]*sql.Stmt), log: logging.New("dba.sqlite")}
}

func (b *Backend) Create(ctx context.Context, cfg dba.Config) error {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return fmt.Errorf("dba/sqlite: open %q: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	b.db = db
	b.path = cfg.Path

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _senders (id INTEGER PRIMARY KEY, name TEXT UNIQUE)`,
		`CREATE TABLE IF NOT EXISTS _experiment_metadata (key TEXT, value TEXT)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("dba/sqlite: bootstrap: %w", err)
		}
	}
	return nil
}

func (b *Backend) Release() error {
	for _, stmt := range b.inserts {
		_ = stmt.Close()
	}
	return b.db.Close()
}

func (b *Backend) GetURI() string { return "file:" + b.path }

// PreparedVar renders SQLite's positional `?` placeholder syntax; order is
// unused since SQLite placeholders are not numbered.
func (b *Backend) PreparedVar(order int) string { return "?" }

func (b *Backend) TableCreate(s *schema.Schema) error {
	ctx := context.Background()
	typeMap := dba.SQLiteTypeMap()

	var cols strings.Builder
	if s.HasPrimaryKey() {
		cols.WriteString(fmt.Sprintf(`"%s" INTEGER PRIMARY KEY AUTOINCREMENT, `, schema.PrimaryKey))
	}
	cols.WriteString(`oml_sender_id INTEGER, oml_seq INTEGER, oml_ts_client REAL, oml_ts_server REAL`)
	for _, f := range s.PayloadFields() {
		ct, ok := typeMap[f.Type]
		if !ok {
			return fmt.Errorf("dba/sqlite: no DDL mapping for type %s", f.Type)
		}
		cols.WriteString(fmt.Sprintf(`, "%s" %s`, f.Name, ct.DDL))
	}

	sqlText := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, s.Name, cols.String())
	if _, err := b.db.ExecContext(ctx, sqlText); err != nil {
		return fmt.Errorf("dba/sqlite: create table %q: %w", s.Name, err)
	}

	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("dba/sqlite: serialize schema %q: %w", s.Name, err)
	}
	if err := b.SetMetadata("table_"+s.Name, string(blob)); err != nil {
		return err
	}

	return b.prepareInsert(s)
}

func (b *Backend) prepareInsert(s *schema.Schema) error {
	stmt, err := b.db.Prepare(b.buildInsertSQL(s))
	if err != nil {
		return fmt.Errorf("dba/sqlite: prepare insert for %q: %w", s.Name, err)
	}
	b.inserts[s.Name] = stmt
	return nil
}

func (b *Backend) buildInsertSQL(s *schema.Schema) string {
	var cols, placeholders strings.Builder
	cols.WriteString("oml_sender_id, oml_seq, oml_ts_client, oml_ts_server")
	placeholders.WriteString("?, ?, ?, ?")
	for _, f := range s.PayloadFields() {
		cols.WriteString(fmt.Sprintf(`, "%s"`, f.Name))
		placeholders.WriteString(", ?")
	}
	return fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, s.Name, cols.String(), placeholders.String())
}

func (b *Backend) TableFree(name string) error {
	if _, err := b.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name)); err != nil {
		return fmt.Errorf("dba/sqlite: drop table %q: %w", name, err)
	}
	if stmt, ok := b.inserts[name]; ok {
		_ = stmt.Close()
		delete(b.inserts, name)
	}
	return nil
}

// Insert binds the metadata columns and payload values positionally;
// database/sql chooses text or native SQLite storage per Go type, there
// is no separate binary wire format to control here (the same per-row
// algorithm as the PostgreSQL backend, minus its encoding step).
func (b *Backend) Insert(table string, senderID, seq uint32, tsClient, tsServer float64, values []schema.Value) error {
	stmt, ok := b.inserts[table]
	if !ok {
		return fmt.Errorf("dba/sqlite: insert into %q: no prepared statement (table not registered)", table)
	}

	args := make([]any, 0, 4+len(values))
	args = append(args, int32(senderID), int32(seq), tsClient, tsServer)
	for _, v := range values {
		arg, err := valueArg(v)
		if err != nil {
			return fmt.Errorf("dba/sqlite: insert into %q: %w", table, err)
		}
		args = append(args, arg)
	}

	if _, err := stmt.Exec(args...); err != nil {
		return fmt.Errorf("dba/sqlite: exec insert into %q: %w", table, err)
	}
	return nil
}

func valueArg(v schema.Value) (any, error) {
	switch v.Type {
	case schema.TypeInt32:
		return v.Int32(), nil
	case schema.TypeUint32:
		return int64(v.Uint32()), nil
	case schema.TypeInt64:
		return v.Int64(), nil
	case schema.TypeGUID:
		return int64(v.GUID()), nil
	case schema.TypeUint64:
		return int64(v.Uint64()), nil
	case schema.TypeDouble:
		return v.Double(), nil
	case schema.TypeBool:
		return v.Bool(), nil
	case schema.TypeString:
		return v.String(), nil
	case schema.TypeBlob:
		return v.Blob(), nil
	case schema.TypeVectorInt32, schema.TypeVectorUint32, schema.TypeVectorInt64,
		schema.TypeVectorUint64, schema.TypeVectorDouble, schema.TypeVectorBool:
		blob, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("encode vector field: %w", err)
		}
		return string(blob), nil
	default:
		return nil, fmt.Errorf("no storage encoding for type %s", v.Type)
	}
}

func (b *Backend) GetKeyValue(key string) (string, bool, error) { return b.GetMetadata(key) }
func (b *Backend) SetKeyValue(key, value string) error          { return b.SetMetadata(key, value) }

func (b *Backend) GetMetadata(key string) (string, bool, error) {
	var value string
	err := b.db.QueryRow(`SELECT value FROM _experiment_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dba/sqlite: get_metadata %q: %w", key, err)
	}
	return value, true, nil
}

func (b *Backend) SetMetadata(key, value string) error {
	if _, err := b.db.Exec(`DELETE FROM _experiment_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("dba/sqlite: set_metadata %q: %w", key, err)
	}
	if _, err := b.db.Exec(`INSERT INTO _experiment_metadata (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("dba/sqlite: set_metadata %q: %w", key, err)
	}
	return nil
}

// AddSenderID allocates MAX(id)+1 on first encounter of name.
func (b *Backend) AddSenderID(name string) (uint32, error) {
	var id int64
	err := b.db.QueryRow(`SELECT id FROM _senders WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return uint32(id), nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("dba/sqlite: lookup sender %q: %w", name, err)
	}

	var maxID sql.NullInt64
	if err := b.db.QueryRow(`SELECT MAX(id) FROM _senders`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("dba/sqlite: max sender id: %w", err)
	}
	next := int64(0)
	if maxID.Valid {
		next = maxID.Int64 + 1
	}
	if _, err := b.db.Exec(`INSERT INTO _senders (id, name) VALUES (?, ?)`, next, name); err != nil {
		return 0, fmt.Errorf("dba/sqlite: insert sender %q: %w", name, err)
	}
	return uint32(next), nil
}

// GetTableList rediscovers user tables via _experiment_metadata's
// table_<name> entries.
func (b *Backend) GetTableList() ([]dba.TableDescriptor, error) {
	rows, err := b.db.Query(`SELECT key, value FROM _experiment_metadata WHERE key LIKE 'table\_%' ESCAPE '\'`)
	if err != nil {
		return nil, fmt.Errorf("dba/sqlite: get_table_list: %w", err)
	}
	defer rows.Close()

	descs := []dba.TableDescriptor{{Name: "_senders", Schema: nil}}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("dba/sqlite: get_table_list: %w", err)
		}
		name := strings.TrimPrefix(key, "table_")
		var s schema.Schema
		if err := json.Unmarshal([]byte(value), &s); err != nil {
			b.log.Warnf("get_table_list: unparseable schema metadata for %q, skipping: %v", name, err)
			continue
		}
		sc := s
		descs = append(descs, dba.TableDescriptor{Name: name, Schema: &sc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dba/sqlite: get_table_list: %w", err)
	}
	// The pool holds a single connection, which rows occupies until closed;
	// preparing before that would wait on it forever.
	rows.Close()
	for _, d := range descs[1:] {
		if err := b.prepareInsert(d.Schema); err != nil {
			b.log.Warnf("get_table_list: re-prepare insert for %q failed: %v", d.Name, err)
		}
	}
	return descs, nil
}

func (b *Backend) Stmt(sqlText string, args ...any) error {
	rendered := sqlText
	if len(args) > 0 {
		rendered = fmt.Sprintf(sqlText, args...)
	}
	if _, err := b.db.Exec(rendered); err != nil {
		return fmt.Errorf("dba/sqlite: stmt: %w", err)
	}
	return nil
}
