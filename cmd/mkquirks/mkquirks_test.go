// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ahci/quirks"
)

const sampleDrivedb = `/*
 * drivedb.h - smartmontools drive database file
 */
const drive_settings builtin_knowndrives[] = {
  { "VERSION: 7.3 $Id: drivedb.h 5 $",
    "-", "-",
    "Version information",
    ""
  },
  { "DEFAULT",
    "-", "",
    "",
    "-v 9,minutes"
  },
  { "Seagate Barracuda 7200.11",
    "ST3(500[368]2|750[36]3|1000[34]4)0AS",
    "SD1[5-9]|SD8[1-5]",
    "There are known problems with these drives,\n"
    "see the following Seagate web pages:\n",
    ""
  },
  { "Samsung SpinPoint F1 DT", // tested with HD103UJ/1AA01113
    "SAMSUNG HD(083G|16[12]G)J",
    "", "", ""
  },
  { "Broken entry",
    "ST[",
    "", "Unbalanced bracket", ""
  },
};
`

func TestParseDrivedb(t *testing.T) {
	header, drives := parseDrivedb(strings.NewReader(sampleDrivedb))

	assert.Contains(t, header, "# drivedb.h - smartmontools drive database file")
	require.Len(t, drives, 5)

	assert.Equal(t, "DEFAULT", drives[1].Family)
	assert.Equal(t, "ST3(500[368]2|750[36]3|1000[34]4)0AS", drives[2].ModelRegex)
	assert.Equal(t, "SD1[5-9]|SD8[1-5]", drives[2].FirmwareRegex)
	assert.Equal(t, "There are known problems with these drives,\nsee the following Seagate web pages:\n", drives[2].WarningMsg)
	assert.Equal(t, "SAMSUNG HD(083G|16[12]G)J", drives[3].ModelRegex)
	assert.Empty(t, drives[3].WarningMsg)
	assert.Equal(t, "Broken entry", drives[4].Family)
}

func TestSelectDrives(t *testing.T) {
	_, drives := parseDrivedb(strings.NewReader(sampleDrivedb))

	var families []string
	for _, d := range selectDrives(drives, false) {
		families = append(families, d.Family)
	}
	assert.Equal(t, []string{"DEFAULT", "Seagate Barracuda 7200.11"}, families)

	assert.Len(t, selectDrives(drives, true), 3)
}

func TestConvertRoundTrip(t *testing.T) {
	var out bytes.Buffer
	n, err := convert(strings.NewReader(sampleDrivedb), &out, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, strings.HasPrefix(out.String(), "# This file was generated from:\n"))

	db, err := quirks.Parse(&out)
	require.NoError(t, err)

	m := db.LookupDrive("ST3500320AS", "SD15")
	assert.Equal(t, "Seagate Barracuda 7200.11", m.Family)
	assert.Contains(t, m.WarningMsg, "known problems")

	m = db.LookupDrive("ST3500320AS", "SD1A")
	assert.Equal(t, "DEFAULT", m.Family)
}

func TestConvertAllHasNoEmptyEntries(t *testing.T) {
	var out bytes.Buffer
	n, err := convert(strings.NewReader(sampleDrivedb), &out, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	db, err := quirks.Parse(&out)
	require.NoError(t, err)
	for _, d := range db.Drives {
		assert.NotEmpty(t, d.Family)
		assert.NotEmpty(t, d.ModelRegex, d.Family)
	}
}
