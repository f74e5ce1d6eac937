// Package model defines the entity keys, stage results and outcome tables
// shared by the workflow engine, the result sinks and the run store.
package model

import "strings"

// Key identifies one entity: a contract number, a tax ID, or a tuple of
// several identifying columns. Keys are immutable once built.
type Key struct {
	columns []string
	values  []string
}

// NewKey builds a key from parallel column and value slices. Extra values
// are ignored; missing values are empty.
func NewKey(columns, values []string) Key {
	k := Key{
		columns: append([]string(nil), columns...),
		values:  make([]string, len(columns)),
	}
	copy(k.values, values)
	return k
}

// SingleKey is shorthand for a one-column key.
func SingleKey(column, value string) Key {
	return NewKey([]string{column}, []string{value})
}

// Get returns the value of the named column, or "" if absent.
func (k Key) Get(column string) string {
	for i, c := range k.columns {
		if c == column {
			return k.values[i]
		}
	}
	return ""
}

// Columns returns a copy of the column names.
func (k Key) Columns() []string {
	return append([]string(nil), k.columns...)
}

// Values returns a copy of the values in column order.
func (k Key) Values() []string {
	return append([]string(nil), k.values...)
}

// Map returns the key as a column to value map.
func (k Key) Map() map[string]string {
	m := make(map[string]string, len(k.columns))
	for i, c := range k.columns {
		m[c] = k.values[i]
	}
	return m
}

// String joins the values with "|". It is also the dedup identity.
func (k Key) String() string {
	return strings.Join(k.values, "|")
}

// Empty reports whether any value of the key is blank.
func (k Key) Empty() bool {
	if len(k.values) == 0 {
		return true
	}
	for _, v := range k.values {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}
