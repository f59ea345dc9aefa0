// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dswarbrick/ahci"
	"github.com/dswarbrick/ahci/utils"
)

func infoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show controller capabilities and attached disks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			printInfo(cmd.OutOrStdout(), s.drv)
			return nil
		},
	}
}

func printInfo(out io.Writer, drv *ahci.Driver) {
	ctrl := drv.Controller()
	caps := ctrl.Capabilities()

	fmt.Fprintf(out, "AHCI version:    %s\n", ctrl.Version())
	fmt.Fprintf(out, "Ports:           %d (implemented %#08x)\n", caps.NumPorts, ctrl.PortsImplemented())
	fmt.Fprintf(out, "Command slots:   %d\n", caps.NumCommandSlots)
	fmt.Fprintf(out, "64-bit DMA:      %v\n", caps.S64A)
	fmt.Fprintf(out, "NCQ:             %v\n", caps.NCQ)
	fmt.Fprintf(out, "BIOS handoff:    %v\n\n", caps.BIOSHandoff)

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tMODEL\tSERIAL\tFIRMWARE\tCAPACITY\tATA\tSTATE")
	for _, d := range drv.Disks() {
		info := d.Info()
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", d.Port(), info.Model, info.Serial, info.Firmware,
			utils.FormatBytes(d.NumBlocks()*ahci.BlockSize), info.MinorVersion, d.State())
	}
	for _, e := range ctrl.SetupErrors() {
		fmt.Fprintf(w, "%d\t-\t-\t-\t-\t-\t%v\n", e.Port, e.Err)
	}
	w.Flush()
}

func readCmd(opts *options) *cobra.Command {
	var (
		lba   uint64
		count int
		out   string
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read blocks and print a hex dump, or save them to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return errors.Errorf("invalid block count %d", count)
			}

			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			buf, err := s.env.buffer(count * ahci.BlockSize)
			if err != nil {
				return err
			}
			if err := s.disk.ReadBlocks(lba, buf); err != nil {
				return err
			}

			if out != "" {
				return os.WriteFile(out, buf, 0644)
			}
			d := hex.Dumper(cmd.OutOrStdout())
			defer d.Close()
			_, err = d.Write(buf)
			return err
		},
	}

	cmd.Flags().Uint64Var(&lba, "lba", 0, "first block")
	cmd.Flags().IntVar(&count, "count", 1, "number of blocks")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the data to this file instead of stdout")
	return cmd
}

func writeCmd(opts *options) *cobra.Command {
	var (
		lba     uint64
		count   int
		pattern uint8
		in      string
	)

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a fill pattern or the contents of a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if in != "" {
				var err error
				if data, err = os.ReadFile(in); err != nil {
					return err
				}
				if pad := len(data) % ahci.BlockSize; pad != 0 {
					data = append(data, make([]byte, ahci.BlockSize-pad)...)
				}
			} else if count > 0 {
				data = bytes.Repeat([]byte{pattern}, count*ahci.BlockSize)
			}
			if len(data) == 0 {
				return errors.New("nothing to write")
			}

			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			buf, err := s.env.buffer(len(data))
			if err != nil {
				return err
			}
			copy(buf, data)

			if err := s.disk.WriteBlocks(lba, buf); err != nil {
				return err
			}
			if err := s.disk.Flush(); err != nil {
				return err
			}

			log.WithFields(log.Fields{"port": s.disk.Port(), "lba": lba, "blocks": len(buf) / ahci.BlockSize}).Info("written")
			return nil
		},
	}

	cmd.Flags().Uint64Var(&lba, "lba", 0, "first block")
	cmd.Flags().IntVar(&count, "count", 1, "number of blocks to fill with --pattern")
	cmd.Flags().Uint8Var(&pattern, "pattern", 0, "fill byte")
	cmd.Flags().StringVarP(&in, "input", "i", "", "file to write, zero-padded to a whole block")
	return cmd
}

func flushCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush the disk's write cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.disk.Flush()
		},
	}
}

func selftestCmd(opts *options) *cobra.Command {
	var (
		lba    uint64
		blocks int
		passes int
	)

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Write, read back and verify a pattern on every disk",
		Long: `selftest overwrites the given block range on every ready disk with a
per-pass pattern, flushes, reads it back and compares. Existing data in the
range is destroyed.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if blocks <= 0 {
				return errors.Errorf("invalid block count %d", blocks)
			}

			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			wbuf, err := s.env.buffer(blocks * ahci.BlockSize)
			if err != nil {
				return err
			}
			rbuf, err := s.env.buffer(blocks * ahci.BlockSize)
			if err != nil {
				return err
			}

			failed := 0
			for _, d := range s.drv.Disks() {
				if err := selftest(d, lba, wbuf, rbuf, passes); err != nil {
					log.WithField("port", d.Port()).Error(err)
					failed++
					continue
				}
				st := d.Stats()
				log.WithFields(log.Fields{
					"port":    d.Port(),
					"read":    utils.FormatBytes(st.SectorsRead * ahci.BlockSize),
					"written": utils.FormatBytes(st.SectorsWritten * ahci.BlockSize),
					"flushes": st.Flushes,
				}).Info("selftest passed")
			}

			if failed > 0 {
				return errors.Errorf("%d of %d disks failed", failed, len(s.drv.Disks()))
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&lba, "lba", 0, "first block of the test range")
	cmd.Flags().IntVar(&blocks, "blocks", 128, "blocks per transfer")
	cmd.Flags().IntVar(&passes, "passes", 4, "number of write/verify passes")
	return cmd
}

func selftest(d *ahci.Disk, lba uint64, wbuf, rbuf []byte, passes int) error {
	for pass := 0; pass < passes; pass++ {
		for i := range wbuf {
			wbuf[i] = byte(i*7 + pass*31 + d.Port())
		}

		if err := d.WriteBlocks(lba, wbuf); err != nil {
			return errors.Wrapf(err, "pass %d: write", pass)
		}
		if err := d.Flush(); err != nil {
			return errors.Wrapf(err, "pass %d: flush", pass)
		}
		for i := range rbuf {
			rbuf[i] = 0
		}
		if err := d.ReadBlocks(lba, rbuf); err != nil {
			return errors.Wrapf(err, "pass %d: read", pass)
		}

		if i := mismatch(wbuf, rbuf); i >= 0 {
			return errors.Errorf("pass %d: data mismatch at block %d offset %d", pass,
				lba+uint64(i/ahci.BlockSize), i%ahci.BlockSize)
		}
	}
	return nil
}

// mismatch returns the index of the first differing byte, or -1.
func mismatch(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}
