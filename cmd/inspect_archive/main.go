package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	_ "modernc.org/sqlite"
)

func main() {
	class := pflag.String("class", "", "substring to search for in ticket keys (case-insensitive)")
	n := pflag.Int("n", 10, "max results to return")
	attempts := pflag.Bool("attempts", false, "list checkout attempts instead of snapshots")
	available := pflag.Bool("available", false, "only snapshots with at least one AVAILABLE class")
	pretty := pflag.Bool("pretty", false, "pretty-print the statuses JSON")
	dbPath := pflag.String("db", "data/archive.db", "path to the watcher archive")
	pflag.Parse()

	db, err := sql.Open("sqlite", *dbPath+"?_pragma=busy_timeout(10000)&mode=ro")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if *attempts {
		err = listAttempts(db, *class, *n)
	} else {
		err = listSnapshots(db, *class, *n, *available, *pretty)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}
}

func listSnapshots(db *sql.DB, class string, n int, available, pretty bool) error {
	q := `SELECT seq, observed_at, rate_limited, available, unavailable, sold_out, errors, statuses FROM snapshots WHERE 1=1`
	var args []any
	if class != "" {
		q += ` AND LOWER(statuses) LIKE ?`
		args = append(args, "%"+strings.ToLower(class)+"%")
	}
	if available {
		q += ` AND available > 0`
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := db.Query(q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			seq                           int64
			observed, statuses            string
			rateLimited                   bool
			avail, unavail, soldOut, nerr int
		)
		if err := rows.Scan(&seq, &observed, &rateLimited, &avail, &unavail, &soldOut, &nerr, &statuses); err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			continue
		}
		count++

		if pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, []byte(statuses), "", "  "); err == nil {
				statuses = buf.String()
			}
		}
		fmt.Printf("--- seq=%d observed=%s rate_limited=%t available=%d unavailable=%d sold_out=%d errors=%d ---\n%s\n\n",
			seq, observed, rateLimited, avail, unavail, soldOut, nerr, statuses)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	report(count)
	return nil
}

func listAttempts(db *sql.DB, class string, n int) error {
	q := `SELECT id, event_id, occurrence_id, ticket_class_id, started_at, finished_at, reached, outcome, error FROM attempts`
	var args []any
	if class != "" {
		q += ` WHERE LOWER(ticket_class_id) LIKE ?`
		args = append(args, "%"+strings.ToLower(class)+"%")
	}
	q += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := db.Query(q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id, event, occ, tc, started, finished, reached, outcome string
			errText                                                 sql.NullString
		)
		if err := rows.Scan(&id, &event, &occ, &tc, &started, &finished, &reached, &outcome, &errText); err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			continue
		}
		count++
		fmt.Printf("%s  %-9s reached=%-18s %s/%s/%s  %s -> %s", id, outcome, reached, event, occ, tc, started, finished)
		if errText.Valid {
			fmt.Printf("  error=%q", errText.String)
		}
		fmt.Println()
	}
	if err := rows.Err(); err != nil {
		return err
	}
	report(count)
	return nil
}

func report(count int) {
	if count == 0 {
		fmt.Println("(no rows found)")
	} else {
		fmt.Printf("(%d results)\n", count)
	}
}
