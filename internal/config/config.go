package config

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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/x-stp/crtrecon/internal/certlib"
)

// DBPasswordEnv names the environment variable the database password is read
// from. Passwords are never taken from the config file.
const DBPasswordEnv = "CRTRECON_DB_PASSWORD"

// Default values, shared with the CLI flag defaults.
const (
	DefaultRetries = 2
	DefaultTimeout = 60
	DefaultSleep   = 5
	DefaultLimit   = 1000

	// cutoffYears is how far back the default not-before cutoff reaches.
	cutoffYears = 4
)

// File is the on-disk YAML configuration. Durations are whole seconds to
// match the command line flags.
type File struct {
	Retries       int                `yaml:"retries"`
	Timeout       int                `yaml:"timeout"`
	Sleep         int                `yaml:"sleep"`
	Limit         int                `yaml:"limit"`
	Date          string             `yaml:"date"`
	PrimaryDomain bool               `yaml:"primary_domain"`
	Backend       certlib.Backend    `yaml:"backend"`
	Failover      bool               `yaml:"failover"`
	InProcess     bool               `yaml:"in_process"`
	MetricsAddr   string             `yaml:"metrics_addr"`
	MetricsFile   string             `yaml:"metrics_file"`
	Database      certlib.DBEndpoint `yaml:"database"`
}

// Default returns the built-in configuration relative to now.
func Default(now time.Time) File {
	return File{
		Retries:  DefaultRetries,
		Timeout:  DefaultTimeout,
		Sleep:    DefaultSleep,
		Limit:    DefaultLimit,
		Date:     DefaultCutoff(now),
		Backend:  certlib.BackendWeb,
		Database: certlib.DefaultDBEndpoint(),
	}
}

// DefaultCutoff is today minus four years, formatted as YYYY-MM-DD.
func DefaultCutoff(now time.Time) string {
	return now.AddDate(-cutoffYears, 0, 0).Format(certlib.CutoffLayout)
}

// Load reads path on top of the defaults. An empty path returns the
// defaults unchanged. The database password always comes from DBPasswordEnv.
func Load(path string, now time.Time) (File, error) {
	conf := Default(now)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return conf, fmt.Errorf("reading config: %w", err)
		}
		if err := decode(data, &conf); err != nil {
			return conf, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if pass := os.Getenv(DBPasswordEnv); pass != "" {
		conf.Database.Password = pass
	}
	return conf, conf.Validate()
}

func decode(data []byte, conf *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	conf.Database.Password = ""
	return nil
}

// Validate checks the values a YAML file can get wrong.
func (f *File) Validate() error {
	if _, err := f.Cutoff(); err != nil {
		return err
	}
	if f.Database.Host == "" || f.Database.Port <= 0 || f.Database.Port > 65535 {
		return fmt.Errorf("invalid database endpoint %s:%d", f.Database.Host, f.Database.Port)
	}
	return nil
}

// Cutoff parses Date.
func (f *File) Cutoff() (time.Time, error) {
	t, err := time.ParseInLocation(certlib.CutoffLayout, f.Date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", f.Date)
	}
	return t, nil
}
