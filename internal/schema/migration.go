package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Column defines a single table column
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Default  string
}

// ConstraintKind enumerates supported table constraints
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
)

// Constraint defines a named table constraint
type Constraint struct {
	Name       string
	Kind       ConstraintKind
	Columns    []string
	RefTable   string
	RefColumn  string
	OnDelete   string
	Expression string
}

// Index defines a named index over a set of columns
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table defines a table as an ordered sequence of columns plus constraints
// and indexes
type Table struct {
	Name        string
	Columns     []Column
	Constraints []Constraint
	Indexes     []Index
}

// Migration is an ordered set of DDL operations identified by a strictly
// increasing key. Once applied its operation sequence is immutable; the
// ledger checksum pins it.
type Migration struct {
	Key         int64
	Description string
	Ops         []Operation
}

// Checksum returns the SHA-256 of the rendered forward statements
func (m Migration) Checksum() string {
	h := sha256.New()
	for _, op := range m.Ops {
		h.Write([]byte(op.Render()))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Statements renders the forward statements in order
func (m Migration) Statements() []string {
	stmts := make([]string, 0, len(m.Ops))
	for _, op := range m.Ops {
		stmts = append(stmts, op.Render())
	}
	return stmts
}

// fkRef names a table/column some operation depends on
type fkRef struct {
	Table  string
	Column string
}

// Operation is a single idempotent DDL step. Render produces SQL that is a
// no-op when its effect is already present. Invert returns the operation
// that removes exactly what this one added, or false when the operation is
// not reversible.
type Operation interface {
	Render() string
	Invert() (Operation, bool)
	dependencies() []fkRef
	creates() string // table name this op introduces, "" otherwise
}

// CreateTable creates a table with its inline constraints
type CreateTable struct {
	Table Table
}

func (o CreateTable) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", o.Table.Name)
	parts := make([]string, 0, len(o.Table.Columns)+len(o.Table.Constraints))
	for _, c := range o.Table.Columns {
		parts = append(parts, renderColumn(c))
	}
	for _, c := range o.Table.Constraints {
		parts = append(parts, "CONSTRAINT "+c.Name+" "+renderConstraint(c))
	}
	b.WriteString("\n    " + strings.Join(parts, ",\n    ") + "\n)")
	return b.String()
}

func (o CreateTable) Invert() (Operation, bool) {
	return DropTable{Name: o.Table.Name}, true
}

func (o CreateTable) dependencies() []fkRef {
	var refs []fkRef
	for _, c := range o.Table.Constraints {
		if c.Kind == ConstraintForeignKey {
			refs = append(refs, fkRef{Table: c.RefTable, Column: c.RefColumn})
		}
	}
	return refs
}

func (o CreateTable) creates() string { return o.Table.Name }

// DropTable removes a table
type DropTable struct {
	Name string
}

func (o DropTable) Render() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", o.Name)
}

func (o DropTable) Invert() (Operation, bool) { return nil, false }
func (o DropTable) dependencies() []fkRef     { return nil }
func (o DropTable) creates() string           { return "" }

// AddColumn adds a column to an existing table
type AddColumn struct {
	Table  string
	Column Column
}

func (o AddColumn) Render() string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", o.Table, renderColumn(o.Column))
}

func (o AddColumn) Invert() (Operation, bool) {
	return DropColumn{Table: o.Table, Column: o.Column.Name}, true
}

func (o AddColumn) dependencies() []fkRef { return []fkRef{{Table: o.Table}} }
func (o AddColumn) creates() string       { return "" }

// DropColumn removes a column from a table
type DropColumn struct {
	Table  string
	Column string
}

func (o DropColumn) Render() string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", o.Table, o.Column)
}

func (o DropColumn) Invert() (Operation, bool) { return nil, false }
func (o DropColumn) dependencies() []fkRef     { return []fkRef{{Table: o.Table}} }
func (o DropColumn) creates() string           { return "" }

// AddConstraint adds a named constraint to an existing table. Postgres has
// no IF NOT EXISTS for ADD CONSTRAINT, so the statement guards on
// pg_constraint.
type AddConstraint struct {
	Table      string
	Constraint Constraint
}

func (o AddConstraint) Render() string {
	return fmt.Sprintf(`DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s') THEN
        ALTER TABLE %s ADD CONSTRAINT %s %s;
    END IF;
END $$`, o.Constraint.Name, o.Table, o.Constraint.Name, renderConstraint(o.Constraint))
}

func (o AddConstraint) Invert() (Operation, bool) {
	return DropConstraint{Table: o.Table, Name: o.Constraint.Name}, true
}

func (o AddConstraint) dependencies() []fkRef {
	refs := []fkRef{{Table: o.Table}}
	if o.Constraint.Kind == ConstraintForeignKey {
		refs = append(refs, fkRef{Table: o.Constraint.RefTable, Column: o.Constraint.RefColumn})
	}
	return refs
}

func (o AddConstraint) creates() string { return "" }

// DropConstraint removes a named constraint
type DropConstraint struct {
	Table string
	Name  string
}

func (o DropConstraint) Render() string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", o.Table, o.Name)
}

func (o DropConstraint) Invert() (Operation, bool) { return nil, false }
func (o DropConstraint) dependencies() []fkRef     { return []fkRef{{Table: o.Table}} }
func (o DropConstraint) creates() string           { return "" }

// CreateIndex creates a named index
type CreateIndex struct {
	Table string
	Index Index
}

func (o CreateIndex) Render() string {
	unique := ""
	if o.Index.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, o.Index.Name, o.Table, strings.Join(o.Index.Columns, ", "))
}

func (o CreateIndex) Invert() (Operation, bool) {
	return DropIndex{Name: o.Index.Name}, true
}

func (o CreateIndex) dependencies() []fkRef { return []fkRef{{Table: o.Table}} }
func (o CreateIndex) creates() string       { return "" }

// DropIndex removes a named index
type DropIndex struct {
	Name string
}

func (o DropIndex) Render() string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", o.Name)
}

func (o DropIndex) Invert() (Operation, bool) { return nil, false }
func (o DropIndex) dependencies() []fkRef     { return nil }
func (o DropIndex) creates() string           { return "" }

func renderColumn(c Column) string {
	var b strings.Builder
	b.WriteString(c.Name + " " + c.Type)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT " + c.Default)
	}
	return b.String()
}

func renderConstraint(c Constraint) string {
	switch c.Kind {
	case ConstraintPrimaryKey:
		return fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(c.Columns, ", "))
	case ConstraintUnique:
		return fmt.Sprintf("UNIQUE (%s)", strings.Join(c.Columns, ", "))
	case ConstraintForeignKey:
		s := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			strings.Join(c.Columns, ", "), c.RefTable, c.RefColumn)
		if c.OnDelete != "" {
			s += " ON DELETE " + c.OnDelete
		}
		return s
	case ConstraintCheck:
		return fmt.Sprintf("CHECK (%s)", c.Expression)
	default:
		return ""
	}
}
