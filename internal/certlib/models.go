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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Constants related to crt.sh interaction.
const (
	CrtshURLTemplate = "https://crt.sh?q=%s&output=json"

	DefaultDBHost = "crt.sh"
	DefaultDBPort = 5432
	DefaultDBUser = "guest"
	DefaultDBName = "certwatch"

	// CutoffLayout is the date layout accepted for the not-before cutoff.
	CutoffLayout = "2006-01-02"
)

// Backend selects which crt.sh interface a query is sent to.
type Backend int

const (
	BackendWeb Backend = iota
	BackendDatabase
)

// String returns the lower-case backend name used in logs, metrics and config files.
func (b Backend) String() string {
	switch b {
	case BackendWeb:
		return "web"
	case BackendDatabase:
		return "database"
	}
	return "unknown(" + strconv.Itoa(int(b)) + ")"
}

// Other returns the alternate backend. Failover flips between the two.
func (b Backend) Other() Backend {
	if b == BackendWeb {
		return BackendDatabase
	}
	return BackendWeb
}

// ParseBackend accepts "web", "database" and the short form "db".
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "web":
		return BackendWeb, nil
	case "database", "db":
		return BackendDatabase, nil
	}
	return BackendWeb, fmt.Errorf("unknown backend %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	if b != BackendWeb && b != BackendDatabase {
		return nil, fmt.Errorf("unknown backend %d", int(b))
	}
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// crt.sh emits timestamps without a zone; they are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	CutoffLayout,
}

// Timestamp is a UTC instant as reported by crt.sh.
type Timestamp struct {
	time.Time
}

// ParseTimestamp parses any of the layouts crt.sh and the worker protocol produce.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{t.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// MarshalJSON writes RFC 3339 with nanoseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339Nano))), nil
}

// UnmarshalJSON accepts the zone-less crt.sh layouts as well as RFC 3339.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("timestamp is not a JSON string: %s", s)
	}
	parsed, err := ParseTimestamp(unquoted)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Record is one certificate row as returned by either backend.
// NameValue holds every identity of the certificate, joined by newlines.
type Record struct {
	IssuerCAID   int64      `json:"issuer_ca_id"`
	IssuerName   string     `json:"issuer_name"`
	CommonName   string     `json:"common_name"`
	NameValue    string     `json:"name_value"`
	ID           int64      `json:"id"`
	LoggedAt     *Timestamp `json:"entry_timestamp"`
	NotBefore    Timestamp  `json:"not_before"`
	NotAfter     Timestamp  `json:"not_after"`
	SerialNumber string     `json:"serial_number"`
}

// Key calculates a NON-CRYPTOGRAPHIC hash (xxh3) over the issuer, serial and
// names of the row. The web endpoint returns the precertificate and the final
// certificate as separate rows with the same key.
func (r *Record) Key() uint64 {
	var sb strings.Builder
	sb.Grow(len(r.SerialNumber) + len(r.CommonName) + len(r.NameValue) + 24)
	sb.WriteString(strconv.FormatInt(r.IssuerCAID, 10))
	sb.WriteByte('|')
	sb.WriteString(strings.ToLower(r.SerialNumber))
	sb.WriteByte('|')
	sb.WriteString(r.CommonName)
	sb.WriteByte('|')
	sb.WriteString(r.NameValue)
	return xxh3.HashString(sb.String())
}

// Query is the backend-independent description of one lookup.
type Query struct {
	Domain string    `json:"domain"`
	Limit  int       `json:"limit"`  // database only
	Cutoff time.Time `json:"cutoff"` // database only, certificates must be valid after this
}

// Executor runs a Query against one backend. Errors should be classified with
// NewQueryError or NewFatalError; unclassified errors are treated as fatal.
type Executor interface {
	Query(ctx context.Context, q *Query) ([]Record, error)
}
