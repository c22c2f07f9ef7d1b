package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/kvadi/kvemu/pkg/kv"
	"github.com/kvadi/kvemu/pkg/log"
)

var (
	benchOps       int
	benchValueSize int
	benchWorkers   int
	benchGroups    int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a concurrent store/retrieve/iterate workload against the emulator",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchOps, "ops", 100000, "number of store operations")
	benchCmd.Flags().IntVar(&benchValueSize, "value-size", 256, "value size in bytes")
	benchCmd.Flags().IntVar(&benchWorkers, "workers", 8, "concurrent workers")
	benchCmd.Flags().IntVar(&benchGroups, "groups", 16, "number of key prefix groups")
}

// benchKey builds a key whose leading 4 bytes encode the group, so that
// iteration and group deletion operate on contiguous ranges.
func benchKey(group uint32, seq int) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key, group)
	binary.BigEndian.PutUint64(key[4:], uint64(seq))
	return key
}

func runBench(cmd *cobra.Command, args []string) error {
	device, err := newDevice()
	if err != nil {
		return err
	}
	defer device.Close()

	logger := log.Bench
	logger.Info().
		Int("ops", benchOps).
		Int("value_size", benchValueSize).
		Int("workers", benchWorkers).
		Int("groups", benchGroups).
		Str("backend", cfg.Device.Backend).
		Msg("starting workload")

	pool, err := ants.NewPool(benchWorkers, ants.WithPanicHandler(func(v any) {
		logger.Error().Any("panic", v).Msg("bench worker panic")
	}))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)

	value := make([]byte, benchValueSize)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(value)

	start := time.Now()
	for i := 0; i < benchOps; i++ {
		seq := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			key := benchKey(uint32(seq%benchGroups), seq)
			if _, err := device.Store(key, value, kv.StoreDefault); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				return
			}
			buf := make([]byte, benchValueSize)
			if _, err := device.Retrieve(key, 0, buf); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			return fmt.Errorf("submitting work: %w", err)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	logger.Info().
		Dur("elapsed", elapsed).
		Float64("ops_per_sec", float64(2*benchOps)/elapsed.Seconds()).
		Int("failures", failures).
		Uint64("store_ops", device.StoreOps()).
		Msg("store/retrieve phase done")

	// Drain one group through the batch iterator, then delete another.
	cond := kv.GroupCondition{Bitmask: 0xFFFFFFFF, Pattern: 0}
	it, err := device.OpenIterator(kv.IterKeyValue, cond, false)
	if err != nil {
		return err
	}
	defer it.Close()

	records := 0
	buf := make([]byte, 1<<20)
	start = time.Now()
	for {
		res, err := it.NextBatch(buf)
		if err != nil {
			return fmt.Errorf("batch iteration: %w", err)
		}
		records += res.Records
		if !res.More {
			break
		}
	}
	logger.Info().
		Int("records", records).
		Dur("elapsed", time.Since(start)).
		Msg("iterated group 0")

	if benchGroups > 1 {
		recovered, err := device.DeleteGroup(kv.GroupCondition{Bitmask: 0xFFFFFFFF, Pattern: 1})
		if err != nil {
			return fmt.Errorf("group delete: %w", err)
		}
		logger.Info().Int("recovered_bytes", recovered).Msg("deleted group 1")
	}

	return nil
}
