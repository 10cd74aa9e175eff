package harness

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/postpulse/internal/store"
)

// validIdentifier matches table and column names that may be interpolated
// into final_state queries.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	// Events is the subscriber's full event sequence, when relevant.
	Events []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if e.Events != nil {
		fmt.Fprintf(&buf, "  Events: %v\n", e.Events)
	}
	return buf.String()
}

// assertDelivered checks that a subscriber received exactly Count events
// of type Event.
func assertDelivered(result *Result, a Assertion) error {
	events := result.EventTypes(a.Subscriber)
	count := 0
	for _, ev := range events {
		if ev == a.Event {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertDelivered,
			Expected: fmt.Sprintf("%d %s events to %s", a.Count, a.Event, a.Subscriber),
			Actual:   fmt.Sprintf("%d events", count),
			Events:   events,
		}
	}
	return nil
}

// assertEventOrder checks that Events appear in the subscriber's stream in
// order. Other events may appear in between.
func assertEventOrder(result *Result, a Assertion) error {
	events := result.EventTypes(a.Subscriber)
	next := 0
	for _, ev := range events {
		if next < len(a.Events) && ev == a.Events[next] {
			next++
		}
	}
	if next < len(a.Events) {
		return &AssertionError{
			Type:     AssertEventOrder,
			Expected: fmt.Sprintf("events in order: %v", a.Events),
			Actual:   fmt.Sprintf("missing %s after position %d", a.Events[next], next),
			Events:   events,
		}
	}
	return nil
}

func assertTracked(result *Result, a Assertion) error {
	if result.Tracked != a.Count {
		return &AssertionError{
			Type:     AssertTracked,
			Expected: fmt.Sprintf("%d tracked records", a.Count),
			Actual:   fmt.Sprintf("%d tracked records", result.Tracked),
		}
	}
	return nil
}

// assertFinalState checks that exactly one row matches Where and that it
// holds the Expect values (subset match). Identifiers are checked against
// validIdentifier; values are always bound parameters.
func assertFinalState(ctx context.Context, db *sql.DB, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}

	keys := sortedKeys(a.Expect)
	for _, key := range keys {
		actual, ok := row[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(a.Expect[key], actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, a.Expect[key], a.Expect[key]),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actual, actual),
			}
		}
	}
	return nil
}

// buildWhereClause returns a parameterized WHERE fragment. Keys are sorted
// so the generated SQL is stable.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares a YAML value against a SQLite column value.
// SQLite returns integers as int64, text as string or []byte, and NULL as
// nil.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && s == exp
	case int:
		n, ok := actual.(int64)
		return ok && n == int64(exp)
	case int64:
		n, ok := actual.(int64)
		return ok && n == exp
	case bool:
		if b, ok := actual.(bool); ok {
			return b == exp
		}
		n, ok := actual.(int64)
		return ok && (n != 0) == exp
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. final_state queries run against st.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, st *store.Store) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertDelivered:
			err = assertDelivered(result, a)
		case AssertEventOrder:
			err = assertEventOrder(result, a)
		case AssertTracked:
			err = assertTracked(result, a)
		case AssertFinalState:
			if st == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a store", i)
			} else {
				err = assertFinalState(ctx, st.DB(), a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}
