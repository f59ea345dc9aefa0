// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build !linux
// +build !linux

package main

import "github.com/pkg/errors"

func openPCI(addr string, arenaSize uint64) (*env, error) {
	return nil, errors.New("PCI access is only supported on Linux")
}
