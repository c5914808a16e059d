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
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestBackend(t *testing.T) {
	t.Parallel()
	if BackendWeb.Other() != BackendDatabase || BackendDatabase.Other() != BackendWeb {
		t.Fatal("Other must flip between web and database")
	}
	for _, tc := range []struct {
		in   string
		want Backend
	}{
		{"web", BackendWeb},
		{"database", BackendDatabase},
		{"DB", BackendDatabase},
		{" Web ", BackendWeb},
	} {
		got, err := ParseBackend(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseBackend(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseBackend("ldap"); err == nil {
		t.Error("expected error for unknown backend")
	}

	b, err := json.Marshal(struct {
		B Backend `json:"b"`
	}{BackendDatabase})
	if err != nil || string(b) != `{"b":"database"}` {
		t.Fatalf("marshal backend = %s, %v", b, err)
	}
	var out struct {
		B Backend `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"b":"web"}`), &out); err != nil || out.B != BackendWeb {
		t.Fatalf("unmarshal backend = %v, %v", out.B, err)
	}
}

// TestRecordDecodesCrtshJSON checks the crt.sh wire format, including the zone-less
// timestamps and a null entry_timestamp.
func TestRecordDecodesCrtshJSON(t *testing.T) {
	t.Parallel()
	body := `[
	  {"issuer_ca_id":183267,"issuer_name":"C=US, O=Let's Encrypt, CN=R3","common_name":"*.example.com",
	   "name_value":"*.example.com\nexample.com","id":9876543210,"entry_timestamp":"2024-03-01T10:20:30.123",
	   "not_before":"2024-03-01T09:20:30","not_after":"2024-05-30T09:20:29","serial_number":"04ab"},
	  {"issuer_ca_id":1,"issuer_name":"x","common_name":"a.example.com","name_value":"a.example.com","id":2,
	   "entry_timestamp":null,"not_before":"2023-01-01T00:00:00","not_after":"2024-01-01T00:00:00","serial_number":"01"}
	]`
	var records []Record
	if err := json.Unmarshal([]byte(body), &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	r := records[0]
	if r.IssuerCAID != 183267 || r.ID != 9876543210 || r.SerialNumber != "04ab" {
		t.Errorf("unexpected record fields: %+v", r)
	}
	if r.LoggedAt == nil {
		t.Fatal("expected entry timestamp")
	}
	want := time.Date(2024, 3, 1, 10, 20, 30, 123000000, time.UTC)
	if !r.LoggedAt.Equal(want) {
		t.Errorf("entry timestamp = %v; want %v", r.LoggedAt.Time, want)
	}
	if records[1].LoggedAt != nil {
		t.Errorf("expected nil entry timestamp, got %v", records[1].LoggedAt)
	}
}

func TestRecordJSONRoundTripKeepsTimestamps(t *testing.T) {
	t.Parallel()
	logged := Timestamp{time.Date(2024, 3, 1, 10, 20, 30, 5, time.UTC)}
	in := Record{
		CommonName: "a.example.com",
		LoggedAt:   &logged,
		NotBefore:  Timestamp{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		NotAfter:   Timestamp{time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.LoggedAt == nil || !out.LoggedAt.Equal(logged.Time) || !out.NotAfter.Equal(in.NotAfter.Time) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error")
	}
	ts, err := ParseTimestamp("2021-10-15")
	if err != nil || !ts.Equal(time.Date(2021, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseTimestamp(date) = %v, %v", ts, err)
	}
}

func TestRecordKey(t *testing.T) {
	t.Parallel()
	a := Record{IssuerCAID: 1, SerialNumber: "ABCD", NameValue: "a.example.com"}
	b := Record{IssuerCAID: 1, SerialNumber: "abcd", NameValue: "a.example.com", ID: 99}
	c := Record{IssuerCAID: 2, SerialNumber: "abcd", NameValue: "a.example.com"}
	if a.Key() != b.Key() {
		t.Error("precert and cert rows must share a key")
	}
	if a.Key() == c.Key() {
		t.Error("different issuers must not share a key")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	q := NewQueryError("Web request returned 503", nil)
	f := NewFatalError("dial failed", cause)

	if !IsRetryable(q) {
		t.Error("query error must be retryable")
	}
	if IsRetryable(f) {
		t.Error("fatal error must not be retryable")
	}
	if IsRetryable(cause) || IsRetryable(nil) {
		t.Error("unclassified errors must not be retryable")
	}
	if !errors.Is(f, cause) {
		t.Error("fatal error must unwrap to its cause")
	}
	if q.Error() != "Web request returned 503" {
		t.Errorf("unexpected message %q", q.Error())
	}
}
