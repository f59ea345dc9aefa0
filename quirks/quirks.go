// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package quirks is a YAML database of per-model drive behaviour overrides.
package quirks

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"
)

// Setting selects what the driver does with an optional drive feature.
type Setting string

const (
	Keep    Setting = ""
	Enable  Setting = "enable"
	Disable Setting = "disable"
)

type DriveModel struct {
	Family        string  `yaml:"family"`
	ModelRegex    string  `yaml:"model_regex"`
	FirmwareRegex string  `yaml:"firmware_regex,omitempty"`
	WarningMsg    string  `yaml:"warning,omitempty"`
	WriteCache    Setting `yaml:"write_cache,omitempty"`
	ReadAhead     Setting `yaml:"read_ahead,omitempty"`
	NoFlush       bool    `yaml:"no_flush,omitempty"`

	modelRe    *regexp.Regexp
	firmwareRe *regexp.Regexp
}

type DriveDb struct {
	Drives []DriveModel `yaml:"drives"`
}

// LookupDrive returns the most appropriate DriveModel for the model and firmware strings
// reported by IDENTIFY DEVICE. Fields left unset by the matching entry are taken from the
// DEFAULT entry, if any.
func (db *DriveDb) LookupDrive(model, firmware string) DriveModel {
	var m DriveModel

	for _, d := range db.Drives {
		if d.Family == "DEFAULT" {
			m = d
			continue
		}

		if d.modelRe == nil || !d.modelRe.MatchString(model) {
			continue
		}
		if d.firmwareRe != nil && !d.firmwareRe.MatchString(firmware) {
			continue
		}

		m.Family = d.Family
		m.ModelRegex = d.ModelRegex
		m.FirmwareRegex = d.FirmwareRegex
		m.WarningMsg = d.WarningMsg
		m.modelRe, m.firmwareRe = d.modelRe, d.firmwareRe

		// Some entries only override part of the defaults
		if d.WriteCache != Keep {
			m.WriteCache = d.WriteCache
		}
		if d.ReadAhead != Keep {
			m.ReadAhead = d.ReadAhead
		}
		m.NoFlush = m.NoFlush || d.NoFlush

		break
	}

	return m
}

// Parse decodes a YAML drive database and compiles its regular expressions.
func Parse(r io.Reader) (DriveDb, error) {
	var db DriveDb

	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)

	if err := dec.Decode(&db); err != nil && err != io.EOF {
		return db, err
	}

	for i := range db.Drives {
		d := &db.Drives[i]

		for _, s := range []Setting{d.WriteCache, d.ReadAhead} {
			if s != Keep && s != Enable && s != Disable {
				return db, fmt.Errorf("%s: invalid setting %q", d.Family, s)
			}
		}

		if d.Family == "DEFAULT" {
			continue
		}

		var err error
		if d.modelRe, err = regexp.Compile(d.ModelRegex); err != nil {
			return db, fmt.Errorf("%s: model regex: %v", d.Family, err)
		}
		if strings.TrimSpace(d.FirmwareRegex) != "" {
			if d.firmwareRe, err = regexp.Compile(d.FirmwareRegex); err != nil {
				return db, fmt.Errorf("%s: firmware regex: %v", d.Family, err)
			}
		}
	}

	return db, nil
}

// OpenDriveDb opens a YAML-formatted drive database, unmarshalls it, and returns a DriveDb.
func OpenDriveDb(dbfile string) (DriveDb, error) {
	f, err := os.Open(dbfile)
	if err != nil {
		return DriveDb{}, err
	}

	defer f.Close()
	return Parse(f)
}
