package dump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/kadirbelkuyu/sitevault/pkg/logger"
)

// ReplayError reports the statement that failed during a replay. Index is
// zero based in script order.
type ReplayError struct {
	Index     int
	Statement string
	Err       error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("statement %d failed: %v", e.Index+1, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Preview shortens the failing statement for logs and reports.
func (e *ReplayError) Preview() string {
	const max = 120
	if len(e.Statement) <= max {
		return e.Statement
	}
	return e.Statement[:max] + "..."
}

type ReplayReport struct {
	Executed int
	Failed   []*ReplayError
}

func (r *ReplayReport) OK() bool {
	return len(r.Failed) == 0
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Replayer struct {
	db      *sql.DB
	dialect Dialect
	log     *logger.Logger
}

func NewReplayer(db *sql.DB, dbType string, log *logger.Logger) (*Replayer, error) {
	dialect, err := DialectFor(dbType)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Replayer{db: db, dialect: dialect, log: log}, nil
}

// Replay executes every statement of script in order directly against the
// database. A failing statement is recorded in the report and replay moves
// on to the next one.
func (r *Replayer) Replay(ctx context.Context, script io.Reader) (*ReplayReport, error) {
	report := &ReplayReport{}
	err := r.run(ctx, r.db, script, func(failure *ReplayError) error {
		r.log.WithField("statement", failure.Index+1).Warnf("SQL statement failed: %v", failure.Err)
		report.Failed = append(report.Failed, failure)
		return nil
	}, report)
	return report, err
}

// ReplayTx executes the script inside one transaction and stops at the first
// failing statement, rolling everything back. The returned error is a
// *ReplayError when a statement failed.
//
// MySQL commits implicitly around DDL, so on that engine only the data
// statements after the last CREATE are actually undone.
func (r *Replayer) ReplayTx(ctx context.Context, script io.Reader) (*ReplayReport, error) {
	report := &ReplayReport{}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = r.run(ctx, tx, script, func(failure *ReplayError) error {
		report.Failed = append(report.Failed, failure)
		return failure
	}, report)
	if err != nil {
		return report, err
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return report, nil
}

func (r *Replayer) run(ctx context.Context, target execer, script io.Reader, onFailure func(*ReplayError) error, report *ReplayReport) error {
	scanner := NewScanner(script, r.dialect)

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		stmt, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := target.ExecContext(ctx, stmt); err != nil {
			if err := onFailure(&ReplayError{Index: index, Statement: stmt, Err: err}); err != nil {
				return err
			}
			continue
		}
		report.Executed++
	}
}
