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
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
)

const wildcardPrefix = "*."

// ExtractHostnames turns raw certificate rows into the sorted, unique list of
// hostnames found in their common name and name value fields.
//
// Entries containing whitespace are dropped. With primaryOnly set, entries
// that do not contain domain as a substring are dropped too. A leading "*."
// is stripped from what remains.
func ExtractHostnames(records []Record, domain string, primaryOnly bool) []string {
	set := make(map[string]struct{})
	seen := make(map[uint64]struct{}, len(records))
	for i := range records {
		r := &records[i]
		// Precert and final cert carry identical names; skip the second row.
		k := r.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		for _, field := range [...]string{r.CommonName, r.NameValue} {
			for _, entry := range strings.Split(field, "\n") {
				if name, ok := acceptHostname(entry, domain, primaryOnly); ok {
					set[name] = struct{}{}
				}
			}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	SortHostnames(names)
	return names
}

func acceptHostname(entry, domain string, primaryOnly bool) (string, bool) {
	if entry == "" || strings.IndexFunc(entry, unicode.IsSpace) >= 0 {
		return "", false
	}
	if primaryOnly && !strings.Contains(entry, domain) {
		return "", false
	}
	name := strings.TrimPrefix(entry, wildcardPrefix)
	if name == "" {
		return "", false
	}
	return name, true
}

// SortHostnames orders names by parent label (the second-to-last label), then
// by depth, then lexicographically, so related subdomains group together.
func SortHostnames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		pi, pj := parentLabel(names[i]), parentLabel(names[j])
		if pi != pj {
			return pi < pj
		}
		di, dj := strings.Count(names[i], "."), strings.Count(names[j], ".")
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})
}

// parentLabel returns the second-to-last dot-separated label, or "" for
// names without a dot.
func parentLabel(name string) string {
	last := strings.LastIndexByte(name, '.')
	if last < 0 {
		return ""
	}
	rest := name[:last]
	return rest[strings.LastIndexByte(rest, '.')+1:]
}

// HostnameDigest calculates a NON-CRYPTOGRAPHIC hash (xxh3) over an already
// sorted hostname list. Two runs with the same digest found the same names.
func HostnameDigest(names []string) string {
	h := xxh3.New()
	for _, n := range names {
		_, _ = h.WriteString(n)
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
