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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/x-stp/crtrecon/internal/client"
)

// WebExecutor queries the crt.sh JSON endpoint.
type WebExecutor struct {
	// URLTemplate receives the query-escaped domain. Defaults to CrtshURLTemplate.
	URLTemplate string
	// HTTPClient defaults to the shared client from the client package.
	HTTPClient *http.Client
}

// Query issues a single GET and decodes the JSON array of certificates.
// A non-200 status is retryable; transport and decoding failures are not.
func (w *WebExecutor) Query(ctx context.Context, q *Query) ([]Record, error) {
	zerolog.Ctx(ctx).Info().Msg("Querying crt.sh via web...")

	tmpl := w.URLTemplate
	if tmpl == "" {
		tmpl = CrtshURLTemplate
	}
	hc := w.HTTPClient
	if hc == nil {
		hc = client.GetHTTPClient()
	}

	target := fmt.Sprintf(tmpl, url.QueryEscape(q.Domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, NewFatalError(fmt.Sprintf("error building request for %s: %v", target, err), err)
	}
	client.SetBrowserHeaders(req)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, NewFatalError(err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, NewQueryError(fmt.Sprintf("Web request returned %d", resp.StatusCode), nil)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, NewFatalError(fmt.Sprintf("error decoding crt.sh response: %v", err), err)
	}
	zerolog.Ctx(ctx).Debug().Int("records", len(records)).Msg("web query complete")
	return records, nil
}
