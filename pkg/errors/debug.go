package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PGDetails is the driver-independent view of a Postgres error.
type PGDetails struct {
	Code       string
	Constraint string
	Table      string
	Column     string
	Detail     string
	Message    string
}

// PostgresDetails extracts Postgres diagnostics from either the pgx or the
// lib/pq driver error somewhere in err's chain.
func PostgresDetails(err error) (PGDetails, bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return PGDetails{
			Code:       pgxErr.Code,
			Constraint: pgxErr.ConstraintName,
			Table:      pgxErr.TableName,
			Column:     pgxErr.ColumnName,
			Detail:     pgxErr.Detail,
			Message:    pgxErr.Message,
		}, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return PGDetails{
			Code:       string(pqErr.Code),
			Constraint: pqErr.Constraint,
			Table:      pqErr.Table,
			Column:     pqErr.Column,
			Detail:     pqErr.Detail,
			Message:    pqErr.Message,
		}, true
	}
	return PGDetails{}, false
}

// LogFields flattens err into structured log fields: the top message, the
// typed code when present, the unwrap chain and any Postgres diagnostics.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	fields := map[string]any{"error": err.Error()}
	if typed := As(err); typed != nil {
		fields["error_code"] = typed.Code()
	}

	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %v", e, e))
	}
	fields["error_chain"] = chain

	pg, ok := PostgresDetails(err)
	if !ok {
		return fields
	}
	for key, value := range map[string]string{
		"pg_code":       pg.Code,
		"pg_constraint": pg.Constraint,
		"pg_table":      pg.Table,
		"pg_column":     pg.Column,
		"pg_detail":     pg.Detail,
		"pg_message":    pg.Message,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}
