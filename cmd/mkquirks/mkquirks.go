// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Smartmontools drivedb.h to AHCI drive quirks database converter.
//
// Only entries carrying a warning are kept by default, since the driver has nothing else to
// act upon for a drive that smartmontools knows no problems about.
package main

import (
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/dswarbrick/ahci/quirks"
)

const (
	defaultDrivedbURL = "https://www.smartmontools.org/export/HEAD/trunk/smartmontools/drivedb.h"
)

// parseDrivedb tokenizes drivedb.h and returns its license header as a YAML comment together
// with every drive entry.
func parseDrivedb(src io.Reader) (string, []quirks.DriveModel) {
	var (
		s    scanner.Scanner
		prev rune
		idx  int
	)

	header := "# This file was generated from:\n"
	drives := make([]quirks.DriveModel, 0)
	items := make([]string, 5)

	s.Init(src)
	s.Mode ^= scanner.SkipComments

	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		switch {
		case prev == 0 && tok == scanner.Comment:
			for _, line := range strings.Split(s.TokenText(), "\n") {
				header += "# " + strings.TrimLeft(line, "/* ") + "\n"
			}
		case (prev == '{' || prev == ',') && tok == scanner.String && idx < len(items):
			items[idx] = strings.Trim(s.TokenText(), `"`)
		case prev == scanner.String && tok == ',':
			idx++
		case (prev == scanner.String || prev == scanner.Comment) && tok == scanner.String && idx < len(items):
			// Adjacent C string literals are concatenated.
			items[idx] += strings.Trim(s.TokenText(), `"`)
		case tok == '}':
			// The brace closing the array itself carries no items.
			if idx == 0 && items[0] == "" {
				break
			}

			var dm quirks.DriveModel
			fields := []*string{&dm.Family, &dm.ModelRegex, &dm.FirmwareRegex, &dm.WarningMsg}
			for i, f := range fields {
				if tmp, err := strconv.Unquote(`"` + items[i] + `"`); err == nil {
					*f = tmp
				}
			}

			drives = append(drives, dm)
			items = make([]string, 5)
			idx = 0
		}

		prev = tok
	}

	return header, drives
}

// selectDrives drops entries the driver cannot use: the drivedb version marker, entries
// whose regular expressions Go cannot compile and, unless all is set, entries without a
// warning.
func selectDrives(drives []quirks.DriveModel, all bool) []quirks.DriveModel {
	var out []quirks.DriveModel

	for _, d := range drives {
		if strings.HasPrefix(d.Family, "VERSION:") || strings.HasPrefix(d.Family, "$Id") {
			continue
		}

		if d.Family != "DEFAULT" {
			if _, err := regexp.Compile(d.ModelRegex); err != nil {
				log.WithField("family", d.Family).Warnf("skipping model regex: %v", err)
				continue
			}
			if _, err := regexp.Compile(d.FirmwareRegex); err != nil {
				log.WithField("family", d.Family).Warnf("skipping firmware regex: %v", err)
				continue
			}
			if !all && d.WarningMsg == "" {
				continue
			}
		}

		out = append(out, d)
	}

	return out
}

func open(url, in string) (io.ReadCloser, error) {
	if in != "" {
		log.Infof("Reading from local file %s", in)
		return os.Open(in)
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "cannot fetch drivedb")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("cannot fetch drivedb: %s", resp.Status)
	}

	log.Infof("Reading from fetched drivedb %s", url)
	return resp.Body, nil
}

func convert(r io.Reader, w io.Writer, all bool) (int, error) {
	header, drives := parseDrivedb(r)
	log.Infof("Parsed drivedb.h - %d entries", len(drives))

	db := quirks.DriveDb{Drives: selectDrives(drives, all)}

	if _, err := io.WriteString(w, header); err != nil {
		return 0, err
	}
	if err := yaml.NewEncoder(w).Encode(db); err != nil {
		return 0, errors.Wrap(err, "encoding yaml")
	}

	return len(db.Drives), nil
}

func main() {
	var (
		drivedbURL              string
		inFilename, outFilename string
		all                     bool
	)

	cmd := &cobra.Command{
		Use:          "mkquirks",
		Short:        "Convert smartmontools drivedb.h to a drive quirks database",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := open(drivedbURL, inFilename)
			if err != nil {
				return err
			}
			defer src.Close()

			dest, err := os.Create(outFilename)
			if err != nil {
				return errors.Wrap(err, "cannot create output")
			}
			defer dest.Close()

			n, err := convert(src, dest, all)
			if err != nil {
				return err
			}

			log.Infof("Successfully wrote %d entries to %s", n, outFilename)
			return nil
		},
	}

	cmd.Flags().StringVar(&drivedbURL, "url", defaultDrivedbURL, "Optional drivedb URL")
	cmd.Flags().StringVar(&inFilename, "in", "", "Optional path to local drivedb.h")
	cmd.Flags().StringVar(&outFilename, "out", "quirks.yaml", "Output .yaml filename")
	cmd.Flags().BoolVar(&all, "all", false, "Keep entries without a warning")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
