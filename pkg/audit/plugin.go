package audit

import (
	"context"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	beforeUpdateKey = "audit:before_update"
	beforeDeleteKey = "audit:before_delete"
)

// Plugin captures row level changes of every model written under a unit of
// work (see Interceptor). Statements outside a unit of work are ignored.
type Plugin struct {
	table string
}

func NewPlugin() *Plugin {
	return &Plugin{table: Log{}.TableName()}
}

func (p *Plugin) Name() string {
	return "audit"
}

func (p *Plugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register("audit:after_create", p.afterCreate); err != nil {
		return fmt.Errorf("failed to register create callback: %w", err)
	}
	if err := cb.Update().Before("gorm:update").Register("audit:before_update", p.beforeUpdate); err != nil {
		return fmt.Errorf("failed to register update callback: %w", err)
	}
	if err := cb.Update().After("gorm:update").Register("audit:after_update", p.afterUpdate); err != nil {
		return fmt.Errorf("failed to register update callback: %w", err)
	}
	if err := cb.Delete().Before("gorm:delete").Register("audit:before_delete", p.beforeDelete); err != nil {
		return fmt.Errorf("failed to register delete callback: %w", err)
	}
	if err := cb.Delete().After("gorm:delete").Register("audit:after_delete", p.afterDelete); err != nil {
		return fmt.Errorf("failed to register delete callback: %w", err)
	}
	return nil
}

func (p *Plugin) unitOf(db *gorm.DB) *unitOfWork {
	stmt := db.Statement
	if db.Error != nil || db.DryRun || stmt.Schema == nil {
		return nil
	}
	if stmt.Schema.Table == p.table {
		return nil
	}
	u := unitFrom(stmt.Context)
	if u == nil || u.isWriting() {
		return nil
	}
	return u
}

func (p *Plugin) afterCreate(db *gorm.DB) {
	u := p.unitOf(db)
	if u == nil {
		return
	}
	stmt := db.Statement
	for _, rv := range elements(stmt.ReflectValue) {
		u.added(stmt.Schema.Table, capture(stmt.Context, stmt.Schema, rv))
	}
}

func (p *Plugin) beforeUpdate(db *gorm.DB) {
	if p.unitOf(db) == nil {
		return
	}
	rows, err := p.locate(db)
	if err != nil {
		_ = db.AddError(err)
		return
	}
	db.InstanceSet(beforeUpdateKey, rows)
}

func (p *Plugin) afterUpdate(db *gorm.DB) {
	u := p.unitOf(db)
	if u == nil {
		return
	}
	v, ok := db.InstanceGet(beforeUpdateKey)
	if !ok {
		return
	}
	before := v.([]row)
	if len(before) == 0 {
		return
	}

	keys := make([][]any, 0, len(before))
	for _, r := range before {
		keys = append(keys, r.keys)
	}
	after, err := p.load(db, []clause.Expression{keysIn(db.Statement.Schema, keys)})
	if err != nil {
		_ = db.AddError(err)
		return
	}

	index := make(map[string]row, len(after))
	for _, r := range after {
		index[r.key] = r
	}
	table := db.Statement.Schema.Table
	for _, b := range before {
		if a, ok := index[b.key]; ok {
			u.modified(table, b, a)
		}
	}
}

func (p *Plugin) beforeDelete(db *gorm.DB) {
	if p.unitOf(db) == nil {
		return
	}
	rows, err := p.locate(db)
	if err != nil {
		_ = db.AddError(err)
		return
	}
	db.InstanceSet(beforeDeleteKey, rows)
}

func (p *Plugin) afterDelete(db *gorm.DB) {
	u := p.unitOf(db)
	if u == nil {
		return
	}
	v, ok := db.InstanceGet(beforeDeleteKey)
	if !ok {
		return
	}
	for _, r := range v.([]row) {
		u.deleted(db.Statement.Schema.Table, r)
	}
}

// locate loads the rows an update or delete statement is about to touch.
func (p *Plugin) locate(db *gorm.DB) ([]row, error) {
	stmt := db.Statement

	var conds []clause.Expression
	if c, ok := stmt.Clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok && len(where.Exprs) > 0 {
			conds = append(conds, where.Exprs...)
		}
	}
	if keys := statementKeys(stmt); len(keys) > 0 {
		conds = append(conds, keysIn(stmt.Schema, keys))
	}
	if len(conds) == 0 && !db.AllowGlobalUpdate {
		// gorm refuses the statement itself
		return nil, nil
	}
	return p.load(db, conds)
}

func (p *Plugin) load(db *gorm.DB, conds []clause.Expression) ([]row, error) {
	stmt := db.Statement
	dest := reflect.New(reflect.SliceOf(stmt.Schema.ModelType))

	q := db.Session(&gorm.Session{NewDB: true}).Table(stmt.Table)
	if len(conds) > 0 {
		q = q.Clauses(clause.Where{Exprs: conds})
	}
	if err := q.Find(dest.Interface()).Error; err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", stmt.Table, err)
	}

	items := dest.Elem()
	rows := make([]row, 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		rows = append(rows, capture(stmt.Context, stmt.Schema, items.Index(i)))
	}
	log.Trace().Msgf("audit snapshot of %s: %d rows", stmt.Table, len(rows))
	return rows, nil
}

// statementKeys collects primary keys carried by the statement values rather
// than by its WHERE clause, e.g. Save(&site) or Delete(&alerts).
func statementKeys(stmt *gorm.Statement) [][]any {
	var keys [][]any
	collect := func(rv reflect.Value) {
		for _, item := range elements(rv) {
			if k, ok := primaryKey(stmt.Context, stmt.Schema, item); ok {
				keys = append(keys, k)
			}
		}
	}
	collect(stmt.ReflectValue)
	if stmt.Model != nil {
		collect(reflect.ValueOf(stmt.Model))
	}
	return keys
}

func primaryKey(ctx context.Context, sch *schema.Schema, rv reflect.Value) ([]any, bool) {
	if len(sch.PrimaryFields) == 0 || rv.Type() != sch.ModelType {
		return nil, false
	}
	key := make([]any, 0, len(sch.PrimaryFields))
	for _, f := range sch.PrimaryFields {
		v, zero := f.ValueOf(ctx, rv)
		if zero {
			return nil, false
		}
		key = append(key, v)
	}
	return key, true
}

func keysIn(sch *schema.Schema, keys [][]any) clause.Expression {
	if len(sch.PrimaryFields) == 1 {
		values := make([]any, 0, len(keys))
		for _, k := range keys {
			values = append(values, k[0])
		}
		return clause.IN{Column: clause.Column{Table: clause.CurrentTable, Name: sch.PrimaryFields[0].DBName}, Values: values}
	}

	ors := make([]clause.Expression, 0, len(keys))
	for _, k := range keys {
		ands := make([]clause.Expression, 0, len(k))
		for i, f := range sch.PrimaryFields {
			ands = append(ands, clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: f.DBName}, Value: k[i]})
		}
		ors = append(ors, clause.And(ands...))
	}
	return clause.Or(ors...)
}

func elements(rv reflect.Value) []reflect.Value {
	rv = reflect.Indirect(rv)
	switch rv.Kind() {
	case reflect.Struct:
		return []reflect.Value{rv}
	case reflect.Slice, reflect.Array:
		items := make([]reflect.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item := reflect.Indirect(rv.Index(i))
			if item.Kind() == reflect.Struct {
				items = append(items, item)
			}
		}
		return items
	}
	return nil
}

type row struct {
	key    string
	keys   []any
	values map[string]any
}

// capture reads one model value. Key columns make up the key, in
// declaration order, and every other column goes into values.
func capture(ctx context.Context, sch *schema.Schema, rv reflect.Value) row {
	rv = reflect.Indirect(rv)
	r := row{values: make(map[string]any, len(sch.Fields))}

	parts := make([]string, 0, len(sch.PrimaryFields))
	for _, f := range sch.PrimaryFields {
		v, _ := f.ValueOf(ctx, rv)
		r.keys = append(r.keys, v)
		parts = append(parts, fmt.Sprintf("%s=%v", f.DBName, normalize(v)))
	}
	r.key = strings.Join(parts, "&")

	for _, f := range sch.Fields {
		if f.DBName == "" || f.PrimaryKey {
			continue
		}
		v, _ := f.ValueOf(ctx, rv)
		r.values[f.DBName] = normalize(v)
	}
	return r
}

// normalize turns a column value into something comparable and JSON friendly.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}

	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case datatypes.Date:
		return time.Time(t).Format(time.DateOnly)
	case datatypes.JSON:
		return string(t)
	case []byte:
		return string(t)
	case driver.Valuer:
		val, err := t.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		if _, again := val.(driver.Valuer); again {
			return fmt.Sprint(val)
		}
		return normalize(val)
	}
	return v
}
