// Package memplugin is the built-in reference adapter: a complete
// implementation of the plugin contract over a sqlite database. It
// backs the end-to-end tests and the engine's selfcheck mode, and
// doubles as the documented example for adapter authors.
package memplugin

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/types"
)

// dateFormat is the adapter's wire date format, always UTC.
const dateFormat = "2006/01/02 15:04:05"

// Config describes one adapter instance.
type Config struct {
	Name          string            // registry name
	Path          string            // sqlite database file
	Fields        []types.FieldDesc // schema shared by every project
	Projects      []string          // advertised project list
	UTF8          int               // reported UTF-8 capability
	SupportsFixes bool              // SCM-class: fix operations available
}

// Adapter is one sqlite-backed tracker endpoint.
type Adapter struct {
	cfg Config
	db  *sql.DB

	mu              sync.Mutex
	now             func() time.Time
	serverDateFails int
	offlineAdvice   int
	pendingMsg      string
	pendingMsgLevel int
	connects        map[string]int // per-user Connect call count

	modDateField  string
	modUserField  string
	defectIDField string
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	rec     INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS field_values (
	rec   INTEGER NOT NULL,
	name  TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (rec, name)
);
CREATE TABLE IF NOT EXISTS fixes (
	project  TEXT NOT NULL,
	rec_id   TEXT NOT NULL,
	fix      TEXT NOT NULL,
	fix_user TEXT NOT NULL DEFAULT '',
	stamp    TEXT NOT NULL DEFAULT '',
	descr    TEXT NOT NULL DEFAULT '',
	files    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project, rec_id, fix)
);
`

// New opens (or creates) the backing database and derives the stamp
// fields from the schema's access markers.
func New(cfg Config) (*Adapter, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	// The adapter serializes its own access; a single connection keeps
	// sqlite's locking out of the picture.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	a := &Adapter{cfg: cfg, db: db, now: time.Now, offlineAdvice: -1}
	for _, f := range cfg.Fields {
		switch f.Access {
		case types.AccessModDate:
			a.modDateField = f.Name
		case types.AccessModUser:
			a.modUserField = f.Name
		case types.AccessDefectID:
			a.defectIDField = f.Name
		}
	}
	if a.modDateField == "" || a.modUserField == "" || a.defectIDField == "" {
		db.Close()
		return nil, fmt.Errorf("schema for %s lacks moddate/moduser/defect-id fields", cfg.Name)
	}
	return a, nil
}

// Close releases the backing database.
func (a *Adapter) Close() error { return a.db.Close() }

// Adapter contract.

func (a *Adapter) Name() string          { return a.cfg.Name }
func (a *Adapter) ModuleVersion() string { return "memplugin/1.0" }

func (a *Adapter) ExtractDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateFormat, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, plugin.Errorf("bad date %q", s)
	}
	return t, nil
}

func (a *Adapter) FormatDate(t time.Time) string {
	return t.UTC().Format(dateFormat)
}

func (a *Adapter) Connect(ctx context.Context, server, user, password string, attrs map[string]string) (plugin.Conn, error) {
	a.mu.Lock()
	if a.connects == nil {
		a.connects = map[string]int{}
	}
	a.connects[user]++
	a.mu.Unlock()
	return &conn{a: a, user: user}, nil
}

// SupportsFixes lets the loader order this adapter as Perforce-class.
func (a *Adapter) SupportsFixes() bool { return a.cfg.SupportsFixes }

// conn is one logical connection; all connections share the adapter's
// database, like sessions against one server.
type conn struct {
	a    *Adapter
	user string
}

func (c *conn) ServerVersion(ctx context.Context) (string, error) {
	return "memplugin server 1.0", nil
}

func (c *conn) ServerWarnings(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (c *conn) ServerDate(ctx context.Context) (time.Time, error) {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	if c.a.serverDateFails > 0 {
		c.a.serverDateFails--
		return time.Time{}, plugin.Fatalf("server unreachable")
	}
	return c.a.now(), nil
}

func (c *conn) ListProjects(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.a.cfg.Projects...), nil
}

func (c *conn) Project(ctx context.Context, name string) (plugin.Project, error) {
	p := &project{a: c.a, conn: c, name: name}
	if c.a.cfg.SupportsFixes {
		return &fixProject{project: p}, nil
	}
	return p, nil
}

func (c *conn) Close() error { return nil }

// Optional capabilities.

func (c *conn) AcceptUTF8() int { return c.a.cfg.UTF8 }

func (c *conn) ServerOffline() int {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	return c.a.offlineAdvice
}

func (c *conn) Message() (string, int) {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	if c.a.pendingMsg == "" {
		return "", 4
	}
	text, level := c.a.pendingMsg, c.a.pendingMsgLevel
	c.a.pendingMsg = ""
	return text, level
}

// project implements the required project operations plus the segment
// filter and reference-field capabilities.
type project struct {
	a       *Adapter
	conn    *conn
	name    string
	segment *types.FieldDesc
}

func (p *project) Fields(ctx context.Context) ([]types.FieldDesc, error) {
	return append([]types.FieldDesc(nil), p.a.cfg.Fields...), nil
}

func (p *project) SetSegmentFilter(ctx context.Context, field types.FieldDesc) error {
	p.segment = &field
	return nil
}

func (p *project) ReferenceFields(ctx context.Context, names []string) error {
	return nil // hint only; every field is equally cheap here
}

func (p *project) ListChangedDefects(ctx context.Context, maxRows int, since time.Time, modDateField, modByField, excludeUser string) ([]string, error) {
	rows, err := p.a.db.Query(`
		SELECT r.rec, COALESCE(md.value,''), COALESCE(mu.value,'')
		FROM records r
		LEFT JOIN field_values md ON md.rec = r.rec AND md.name = ?
		LEFT JOIN field_values mu ON mu.rec = r.rec AND mu.name = ?
		WHERE r.project = ?
		ORDER BY r.rec`, modDateField, modByField, p.name)
	if err != nil {
		return nil, plugin.Fatalf("list records: %v", err)
	}
	// Drain the cursor before the per-record segment reads below: the
	// pool holds a single connection, which the open cursor occupies.
	type candidate struct {
		rec              int64
		modDate, modUser string
	}
	var all []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.rec, &c.modDate, &c.modUser); err != nil {
			rows.Close()
			return nil, plugin.Fatalf("scan: %v", err)
		}
		all = append(all, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, plugin.Fatalf("list records: %v", err)
	}
	sinceStr := ""
	if !since.IsZero() {
		sinceStr = p.a.FormatDate(since)
	}
	var out []string
	for _, c := range all {
		// The wire date format sorts lexically.
		if sinceStr != "" && c.modDate <= sinceStr {
			continue
		}
		if excludeUser != "" && c.modUser == excludeUser {
			continue
		}
		if p.segment != nil {
			v, err := p.a.readField(c.rec, p.segment.Name)
			if err != nil {
				return nil, err
			}
			if !contains(p.segment.SelectValues, v) {
				continue
			}
		}
		out = append(out, strconv.FormatInt(c.rec, 10))
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
	}
	return out, nil
}

func (p *project) Defect(ctx context.Context, id string) (plugin.Record, error) {
	rec, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, plugin.Errorf("bad record id %q", id)
	}
	var project string
	err = p.a.db.QueryRow(`SELECT project FROM records WHERE rec = ?`, rec).Scan(&project)
	if err == sql.ErrNoRows || (err == nil && project != p.name) {
		return nil, plugin.Errorf("no record %s in project %s", id, p.name)
	}
	if err != nil {
		return nil, plugin.Fatalf("load record %s: %v", id, err)
	}
	values, err := p.a.loadFields(rec)
	if err != nil {
		return nil, err
	}
	return &record{p: p, rec: rec, values: values}, nil
}

func (p *project) NewDefect(ctx context.Context) (plugin.Record, error) {
	return &record{p: p, values: map[string]string{}}, nil
}

// fixProject adds the SCM-side fix operations.
type fixProject struct {
	*project
}

func (p *fixProject) FindDefects(ctx context.Context, maxRows int, query string) ([]string, error) {
	var want [][2]string
	for _, tok := range strings.Fields(query) {
		name, value, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, plugin.Errorf("bad query term %q", tok)
		}
		want = append(want, [2]string{name, value})
	}
	rows, err := p.a.db.Query(`SELECT rec FROM records WHERE project = ? ORDER BY rec`, p.name)
	if err != nil {
		return nil, plugin.Fatalf("query records: %v", err)
	}
	defer rows.Close()
	var recs []int64
	for rows.Next() {
		var rec int64
		if err := rows.Scan(&rec); err != nil {
			return nil, plugin.Fatalf("scan: %v", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, plugin.Fatalf("query records: %v", err)
	}
	var out []string
	for _, rec := range recs {
		match := true
		for _, w := range want {
			v, err := p.a.readField(rec, w[0])
			if err != nil {
				return nil, err
			}
			if v != w[1] {
				match = false
				break
			}
		}
		if match {
			out = append(out, strconv.FormatInt(rec, 10))
			if maxRows > 0 && len(out) >= maxRows {
				break
			}
		}
	}
	return out, nil
}

func (p *fixProject) ListFixes(ctx context.Context, id string) ([]string, error) {
	rows, err := p.a.db.Query(`SELECT fix FROM fixes WHERE project = ? AND rec_id = ? ORDER BY fix`, p.name, id)
	if err != nil {
		return nil, plugin.Fatalf("list fixes: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var fix string
		if err := rows.Scan(&fix); err != nil {
			return nil, plugin.Fatalf("scan: %v", err)
		}
		out = append(out, fix)
	}
	return out, rows.Err()
}

func (p *fixProject) DescribeFix(ctx context.Context, fix string) (types.FixDesc, error) {
	var d types.FixDesc
	var files string
	err := p.a.db.QueryRow(`
		SELECT fix, fix_user, stamp, descr, files FROM fixes
		WHERE project = ? AND fix = ?`, p.name, fix).
		Scan(&d.Change, &d.User, &d.Stamp, &d.Desc, &files)
	if err == sql.ErrNoRows {
		return d, plugin.Errorf("no fix %s", fix)
	}
	if err != nil {
		return d, plugin.Fatalf("describe fix %s: %v", fix, err)
	}
	if files != "" {
		d.Files = strings.Split(files, "\n")
	}
	return d, nil
}

// record is one mutable record handle. Writes stage locally until Save.
type record struct {
	p      *project
	rec    int64 // 0 until the first save of a new record
	values map[string]string
	staged map[string]string
	closed bool
}

func (r *record) Field(name string) (string, error) {
	if r.staged != nil {
		if v, ok := r.staged[name]; ok {
			return v, nil
		}
	}
	if v, ok := r.values[name]; ok {
		return v, nil
	}
	if types.FindField(r.p.a.cfg.Fields, name) == nil {
		return "", plugin.Errorf("no field %q", name)
	}
	return "", nil
}

func (r *record) SetField(name, value string) error {
	if types.FindField(r.p.a.cfg.Fields, name) == nil {
		return plugin.Errorf("no field %q", name)
	}
	if r.staged == nil {
		r.staged = map[string]string{}
	}
	r.staged[name] = value
	return nil
}

func (r *record) Save(ctx context.Context) (string, error) {
	a := r.p.a
	// No staged changes on an existing record: nothing to do, and the
	// modification stamp must not move.
	if r.rec != 0 && len(r.staged) == 0 {
		return strconv.FormatInt(r.rec, 10), nil
	}
	tx, err := a.db.Begin()
	if err != nil {
		return "", plugin.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	if r.rec == 0 {
		res, err := tx.Exec(`INSERT INTO records (project) VALUES (?)`, r.p.name)
		if err != nil {
			return "", plugin.Fatalf("insert record: %v", err)
		}
		if r.rec, err = res.LastInsertId(); err != nil {
			return "", plugin.Fatalf("record id: %v", err)
		}
	}
	id := strconv.FormatInt(r.rec, 10)
	if r.staged == nil {
		r.staged = map[string]string{}
	}

	a.mu.Lock()
	stamp := a.FormatDate(a.now())
	a.mu.Unlock()
	r.staged[a.modDateField] = stamp
	r.staged[a.modUserField] = r.p.conn.user
	r.staged[a.defectIDField] = id

	for name, value := range r.staged {
		if _, err := tx.Exec(`
			INSERT INTO field_values (rec, name, value) VALUES (?, ?, ?)
			ON CONFLICT (rec, name) DO UPDATE SET value = excluded.value`,
			r.rec, name, value); err != nil {
			return "", plugin.Fatalf("save field %s: %v", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", plugin.Fatalf("commit: %v", err)
	}
	for name, value := range r.staged {
		r.values[name] = value
	}
	r.staged = nil
	return id, nil
}

func (r *record) Close() error {
	r.closed = true
	r.staged = nil
	return nil
}

// Database helpers.

func (a *Adapter) loadFields(rec int64) (map[string]string, error) {
	rows, err := a.db.Query(`SELECT name, value FROM field_values WHERE rec = ?`, rec)
	if err != nil {
		return nil, plugin.Fatalf("load fields: %v", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, plugin.Fatalf("scan: %v", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

func (a *Adapter) readField(rec int64, name string) (string, error) {
	var v string
	err := a.db.QueryRow(`SELECT value FROM field_values WHERE rec = ? AND name = ?`, rec, name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", plugin.Fatalf("read field %s: %v", name, err)
	}
	return v, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
