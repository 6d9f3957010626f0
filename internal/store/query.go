package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/pulse/internal/backend"
)

// filterable lists the columns a Filter may reference, per table.
var filterable = map[string][]string{
	backend.TableMessages:      {"id", "local_id", "conversation_id", "sender_id", "receiver_id", "type", "status"},
	backend.TableNotifications: {"id", "user_id", "actor_id", "kind", "conversation_id", "message_id", "is_read"},
}

// where renders f as a SQL condition. Keys are sorted so the same filter
// always yields the same statement.
func where(table string, f backend.Filter) (string, []any, error) {
	cols, ok := filterable[table]
	if !ok {
		return "", nil, fmt.Errorf("unknown table %q", table)
	}
	var (
		conds []string
		args  []any
	)
	add := func(m map[string]any, op string) error {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if !slices.Contains(cols, k) {
				return fmt.Errorf("column %q not filterable on %s", k, table)
			}
			conds = append(conds, k+" "+op+" ?")
			args = append(args, m[k])
		}
		return nil
	}
	if err := add(f.Eq, "="); err != nil {
		return "", nil, err
	}
	if err := add(f.Neq, "<>"); err != nil {
		return "", nil, err
	}
	if len(conds) == 0 {
		return "1 = 1", nil, nil
	}
	return strings.Join(conds, " AND "), args, nil
}

// Count returns the number of rows of table matching f.
func (db *DB) Count(ctx context.Context, table string, f backend.Filter) (int, error) {
	cond, args, err := where(table, f)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table+` WHERE `+cond, args...)
	return n, err
}

// IDs returns the ids of rows of table matching f, oldest first.
func (db *DB) IDs(ctx context.Context, table string, f backend.Filter) ([]string, error) {
	cond, args, err := where(table, f)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.SelectContext(ctx, &ids, `SELECT id FROM `+table+` WHERE `+cond+` ORDER BY created_at, id`, args...)
	return ids, err
}
