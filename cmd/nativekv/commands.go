package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/maxiofs/nativekv/internal/buffer"
	"github.com/maxiofs/nativekv/pkg/nativekv"
)

// describe turns b into a descriptor of the named strategy. Direct buffers
// are copied into native memory; the returned func frees it.
func describe(rt *nativekv.Runtime, strategy string, b []byte) (buffer.Descriptor, func(), error) {
	switch strings.ToLower(strategy) {
	case "", "region":
		return buffer.RegionOf(b), func() {}, nil
	case "pinned":
		return buffer.PinnedOf(b), func() {}, nil
	case "direct":
		if len(b) == 0 {
			return buffer.Direct(0, 0), func() {}, nil
		}
		addr, err := rt.AllocNative(len(b))
		if err != nil {
			return buffer.Descriptor{}, nil, err
		}
		copy(nativekv.NativeBytes(addr, len(b)), b)
		return buffer.Direct(addr, len(b)), func() { _ = rt.FreeNative(addr, len(b)) }, nil
	default:
		return buffer.Descriptor{}, nil, fmt.Errorf("unknown strategy %q (valid: region, pinned, direct)", strategy)
	}
}

func newPutCmd() *cobra.Command {
	var (
		sync     bool
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(s *session) error {
				key, freeKey, err := describe(s.rt, strategy, []byte(args[0]))
				if err != nil {
					return err
				}
				defer freeKey()
				value, freeValue, err := describe(s.rt, strategy, []byte(args[1]))
				if err != nil {
					return err
				}
				defer freeValue()

				return s.rt.Put(s.db, nativekv.WriteOptions{Sync: sync}, key, value)
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the write to reach stable storage")
	cmd.Flags().StringVar(&strategy, "strategy", "region", "Buffer strategy (region, pinned, direct)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var (
		strategy string
		output   string
		verify   bool
	)
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(s *session) error {
				key, freeKey, err := describe(s.rt, strategy, []byte(args[0]))
				if err != nil {
					return err
				}
				defer freeKey()

				ro := nativekv.DefaultReadOptions()
				ro.VerifyChecksums = verify

				var (
					value []byte
					found bool
				)
				switch output {
				case "copy":
					value, found, err = s.rt.Get(s.db, ro, key)
				case "into":
					buf := make([]byte, 4096)
					var n int
					n, found, err = s.rt.GetInto(s.db, ro, key, buf)
					if errors.Is(err, nativekv.ErrShortBuffer) {
						buf = make([]byte, n)
						n, found, err = s.rt.GetInto(s.db, ro, key, buf)
					}
					if err == nil {
						value = buf[:n]
					}
				case "zerocopy":
					var zc nativekv.ZeroCopyValue
					zc, found, err = s.rt.GetZeroCopy(s.db, ro, key)
					if err == nil && found {
						value = append([]byte(nil), nativekv.NativeBytes(zc.Addr, zc.Len)...)
						err = s.rt.ReleaseZeroCopyValue(zc.Handle)
					}
				default:
					return fmt.Errorf("unknown output %q (valid: copy, into, zerocopy)", output)
				}
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "region", "Key buffer strategy (region, pinned, direct)")
	cmd.Flags().StringVar(&output, "output", "copy", "Value output strategy (copy, into, zerocopy)")
	cmd.Flags().BoolVar(&verify, "verify-checksums", false, "Fail unless the read is checksum-verified (badger needs --paranoid-checks)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		sync     bool
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(s *session) error {
				key, freeKey, err := describe(s.rt, strategy, []byte(args[0]))
				if err != nil {
					return err
				}
				defer freeKey()
				return s.rt.Delete(s.db, nativekv.WriteOptions{Sync: sync}, key)
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the delete to reach stable storage")
	cmd.Flags().StringVar(&strategy, "strategy", "region", "Buffer strategy (region, pinned, direct)")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "batch OP...",
		Short: "Apply puts and deletes atomically",
		Long: `Apply a sequence of operations as one atomic batch. Each OP is either
KEY=VALUE (put) or del:KEY (delete). Later operations on the same key win.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(s *session) error {
				b, err := s.rt.CreateWriteBatch(s.db)
				if err != nil {
					return err
				}
				defer s.rt.ReleaseWriteBatch(b)

				for _, op := range args {
					if key, ok := strings.CutPrefix(op, "del:"); ok {
						err = s.rt.BatchDelete(b, buffer.RegionOf([]byte(key)))
					} else if key, value, ok := strings.Cut(op, "="); ok {
						err = s.rt.BatchPut(b, buffer.RegionOf([]byte(key)), buffer.RegionOf([]byte(value)))
					} else {
						return fmt.Errorf("invalid batch operation %q", op)
					}
					if err != nil {
						return err
					}
				}

				if err := s.rt.ApplyWriteBatch(s.db, b, nativekv.WriteOptions{Sync: sync}); err != nil {
					return err
				}
				n, _ := s.rt.BatchCount(b)
				s.logger.WithField("operations", n).Info("Batch applied")
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d operations\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the batch to reach stable storage")
	return cmd
}

func newCompactCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact a key range (the whole database by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(s *session) error {
				var lo, hi buffer.Descriptor
				if cmd.Flags().Changed("start") {
					lo = buffer.RegionOf([]byte(start))
				}
				if cmd.Flags().Changed("end") {
					hi = buffer.RegionOf([]byte(end))
				}
				return s.rt.CompactRange(s.db, lo, hi)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First key to compact (inclusive)")
	cmd.Flags().StringVar(&end, "end", "", "Last key to compact (inclusive)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print runtime resource usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(s *session) error {
				out := cmd.OutOrStdout()
				st := s.rt.Stats()

				for _, db := range st.Databases {
					fmt.Fprintf(out, "database %s (%s) at %s\n", db.ID, db.Engine, db.Path)
				}
				fmt.Fprintf(out, "pins held: %d (total %d)\n", st.Pins, st.PinsTotal)
				fmt.Fprintf(out, "native memory: %s in %d blocks, %s mapped\n",
					humanize.IBytes(uint64(st.NativeBytes)), st.NativeBlocks, humanize.IBytes(uint64(st.MappedBytes)))

				kinds := make([]string, 0, len(st.Handles))
				for kind := range st.Handles {
					kinds = append(kinds, kind)
				}
				sort.Strings(kinds)
				for _, kind := range kinds {
					fmt.Fprintf(out, "handles %s: %d\n", kind, st.Handles[kind])
				}

				warnings := s.recent.Entries()
				fmt.Fprintf(out, "recent warnings: %d\n", len(warnings))
				for _, e := range warnings {
					fmt.Fprintf(out, "  [%s] %s\n", e.Level, e.Message)
				}

				if !s.cfg.Metrics.Enable {
					return nil
				}
				snapshot, err := s.metrics.GetMetricsSnapshot()
				if err != nil {
					return err
				}
				names := make([]string, 0, len(snapshot))
				for name := range snapshot {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(out, "%s %g\n", name, snapshot[name])
				}
				return nil
			})
		},
	}
}
