// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package fixedduid

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// yamlRecord is one entry of a YAML assignments file:
//
//	- duid: 00030001001122334455
//	  address: 2001:db8::5
//	  prefix: 2001:db8:1:100::/56
type yamlRecord struct {
	DUID    string `yaml:"duid"`
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

// loadFile reads assignments from filename. Files ending in .yaml or .yml are
// a list of records, anything else is a text file with one assignment per
// line: the DUID in hex, the address and the prefix, separated by spaces.
// A "-" leaves the address or the prefix out, lines starting with '#' are
// comments.
func loadFile(filename string) (Table, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		return parseText(data)
	}
}

func parseText(data []byte) (Table, error) {
	table := make(Table)
	for i, lineBytes := range bytes.Split(data, []byte{'\n'}) {
		line := strings.TrimSpace(string(lineBytes))
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) != 3 {
			return nil, fmt.Errorf("line %d: malformed line, want 3 fields, got %d: %s", i+1, len(tokens), line)
		}
		key, err := normalizeDUID(tokens[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		a, err := parseAssignment(tokens[1], tokens[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		table[key] = a
	}
	return table, nil
}

func parseYAML(data []byte) (Table, error) {
	var records []yamlRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse assignments: %w", err)
	}
	table := make(Table, len(records))
	for i, r := range records {
		key, err := normalizeDUID(r.DUID)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		a, err := parseAssignment(r.Address, r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		table[key] = a
	}
	return table, nil
}

// loadDatabase reads all rows of the assignments table of a SQLite database.
// The table is created when it does not exist yet so operators can start
// with an empty database and fill it in later.
func loadDatabase(path string) (Table, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database (%T): %w", err, err)
	}
	defer db.Close()
	if _, err := db.Exec("create table if not exists assignments (duid text not null primary key, address text, prefix text)"); err != nil {
		return nil, fmt.Errorf("table creation failed: %w", err)
	}

	rows, err := db.Query("select duid, address, prefix from assignments")
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments database: %w", err)
	}
	defer rows.Close()
	var (
		duid            string
		address, prefix sql.NullString
		table           = make(Table)
	)
	for rows.Next() {
		if err := rows.Scan(&duid, &address, &prefix); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		key, err := normalizeDUID(duid)
		if err != nil {
			return nil, err
		}
		a, err := parseAssignment(address.String, prefix.String)
		if err != nil {
			return nil, fmt.Errorf("assignment for %s: %w", key, err)
		}
		table[key] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed assignments database row scanning: %w", err)
	}
	return table, nil
}

// reload rebuilds the table from the static sources and the assignments
// file, then swaps it in. Lookups in flight keep using the old table.
func (m *Module) reload() error {
	m.logger.Debug("reading assignments", zap.String("filename", m.Filename))
	fromFile, err := loadFile(m.Filename)
	if err != nil {
		return err
	}
	table := merge(m.base, fromFile)
	m.table.Store(&table)
	m.logger.Info(fmt.Sprintf("loaded %d assignments", len(table)), zap.String("filename", m.Filename))
	return nil
}

// watch loads the assignments file and reloads it on every write. The
// directory is watched rather than the file so that editors replacing the
// file by renaming still trigger a reload.
func (m *Module) watch() error {
	if err := m.reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(m.Filename)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.Filename, err)
	}
	m.watcher = watcher

	target := filepath.Clean(m.Filename)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				m.logger.Info("file changed", zap.String("filename", m.Filename))
				if err := m.reload(); err != nil {
					m.logger.Error("failed to refresh assignments, keeping the previous ones", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("assignments watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
