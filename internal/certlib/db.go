package certlib

/*
rxtls — fast tool in Go for working with Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// certificateQuery deduplicates certificates matching $1, keeps at most $2 of
// them, attaches the first CT log entry timestamp and the issuer, and drops
// certificates not valid after $3.
const certificateQuery = `WITH ci AS (
    SELECT min(sub.CERTIFICATE_ID) ID,
        min(sub.ISSUER_CA_ID) ISSUER_CA_ID,
        array_agg(DISTINCT sub.NAME_VALUE) NAME_VALUES,
        x509_commonName(sub.CERTIFICATE) COMMON_NAME,
        x509_notBefore(sub.CERTIFICATE) NOT_BEFORE,
        x509_notAfter(sub.CERTIFICATE) NOT_AFTER,
        encode(x509_serialNumber(sub.CERTIFICATE), 'hex') SERIAL_NUMBER
        FROM (SELECT *
                FROM certificate_and_identities cai
                WHERE plainto_tsquery('certwatch', $1) @@ identities(cai.CERTIFICATE)
                    AND cai.NAME_VALUE ILIKE ('%' || $1 || '%')
                LIMIT $2
            ) sub
        GROUP BY sub.CERTIFICATE
)
SELECT ci.ISSUER_CA_ID,
        ca.NAME ISSUER_NAME,
        ci.COMMON_NAME,
        array_to_string(ci.NAME_VALUES, chr(10)) NAME_VALUE,
        ci.ID ID,
        le.ENTRY_TIMESTAMP,
        ci.NOT_BEFORE,
        ci.NOT_AFTER,
        ci.SERIAL_NUMBER
    FROM ci
            LEFT JOIN LATERAL (
                SELECT min(ctle.ENTRY_TIMESTAMP) ENTRY_TIMESTAMP
                    FROM ct_log_entry ctle
                    WHERE ctle.CERTIFICATE_ID = ci.ID
            ) le ON TRUE,
        ca
    WHERE ci.ISSUER_CA_ID = ca.ID AND ci.NOT_BEFORE > $3
    ORDER BY le.ENTRY_TIMESTAMP DESC NULLS LAST`

const readOnlySession = "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"

// DBEndpoint locates the crt.sh certwatch database.
type DBEndpoint struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password,omitempty"`
	DBName   string `yaml:"dbname" json:"dbname"`
}

// DefaultDBEndpoint returns the public guest endpoint.
func DefaultDBEndpoint() DBEndpoint {
	return DBEndpoint{
		Host:   DefaultDBHost,
		Port:   DefaultDBPort,
		User:   DefaultDBUser,
		DBName: DefaultDBName,
	}
}

// DSN renders a lib/pq keyword/value connection string.
func (e DBEndpoint) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		e.Host, e.Port, e.User, e.DBName)
	if e.Password != "" {
		escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(e.Password)
		dsn += fmt.Sprintf(" password='%s'", escaped)
	}
	return dsn
}

// DBExecutor queries the crt.sh certwatch database over a read-only,
// autocommit session.
type DBExecutor struct {
	Endpoint DBEndpoint

	open func(driverName, dataSourceName string) (*sql.DB, error)
}

// NewDBExecutor returns an executor for the given endpoint.
func NewDBExecutor(endpoint DBEndpoint) *DBExecutor {
	return &DBExecutor{Endpoint: endpoint, open: sql.Open}
}

// Query runs certificateQuery. Database, network and connection errors are
// retryable; anything else is fatal.
func (d *DBExecutor) Query(ctx context.Context, q *Query) ([]Record, error) {
	logger := zerolog.Ctx(ctx)
	open := d.open
	if open == nil {
		open = sql.Open
	}

	logger.Info().Msg("Connecting to crt.sh via DB...")
	db, err := open("postgres", d.Endpoint.DSN())
	if err != nil {
		return nil, classifyDBError("error opening database", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, classifyDBError("error connecting to database", err)
	}
	defer conn.Close()

	logger.Info().Msg("Setting up session...")
	if _, err := conn.ExecContext(ctx, readOnlySession); err != nil {
		return nil, classifyDBError("error setting up session", err)
	}

	logger.Info().Msg("Executing query...")
	rows, err := conn.QueryContext(ctx, certificateQuery, q.Domain, q.Limit, q.Cutoff)
	if err != nil {
		return nil, classifyDBError("error executing query", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			issuerName sql.NullString
			commonName sql.NullString
			nameValue  sql.NullString
			serial     sql.NullString
			loggedAt   sql.NullTime
			notBefore  time.Time
			notAfter   time.Time
		)
		if err := rows.Scan(&r.IssuerCAID, &issuerName, &commonName, &nameValue, &r.ID,
			&loggedAt, &notBefore, &notAfter, &serial); err != nil {
			return nil, classifyDBError("error reading row", err)
		}
		r.IssuerName = issuerName.String
		r.CommonName = commonName.String
		r.NameValue = nameValue.String
		r.SerialNumber = serial.String
		r.NotBefore = Timestamp{notBefore.UTC()}
		r.NotAfter = Timestamp{notAfter.UTC()}
		if loggedAt.Valid {
			r.LoggedAt = &Timestamp{loggedAt.Time.UTC()}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError("error iterating rows", err)
	}
	logger.Debug().Int("records", len(records)).Msg("database query complete")
	return records, nil
}

// classifyDBError maps driver-level failures to retryable query errors.
func classifyDBError(msg string, err error) error {
	var pqErr *pq.Error
	var netErr net.Error
	switch {
	case errors.As(err, &pqErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return NewQueryError(fmt.Sprintf("%s: %v", msg, err), err)
	}
	return NewFatalError(fmt.Sprintf("%s: %v", msg, err), err)
}
