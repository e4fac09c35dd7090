package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kolbycheesey/hybriddb/pkg/config"
	"github.com/kolbycheesey/hybriddb/pkg/db"
	"github.com/kolbycheesey/hybriddb/pkg/logging"
	"github.com/kolbycheesey/hybriddb/pkg/metrics"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data/hybriddb-demo", "Data directory")
		configPath = flag.String("config", "", "Optional YAML config file")
		clean      = flag.Bool("clean", true, "Remove the data directory before starting")
	)
	flag.Parse()

	cfg := config.Default(*dataDir)
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.MemTableBytes = 1024 // tiny budget so flushes happen during the demo
	cfg.SyncIntervalMS = 500

	if *clean {
		os.RemoveAll(cfg.DataDir)
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	reg := metrics.NewRegistry()

	fmt.Println("Opening hybrid store...")
	store, err := db.Open(cfg, logger, reg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	// Write some data
	fmt.Println("Writing data...")
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		value := []byte(fmt.Sprintf("value%03d", i))
		if err := store.Put(key, value); err != nil {
			log.Fatalf("Failed to write: %v", err)
		}
	}

	// Point reads
	fmt.Println("\nPoint reads...")
	for _, k := range []string{"key000", "key025", "key049", "no-such-key"} {
		if value, ok := store.Get([]byte(k)); ok {
			fmt.Printf("  %s = %s\n", k, value)
		} else {
			fmt.Printf("  %s = NOT FOUND\n", k)
		}
	}

	// Overwrite and delete
	store.Put([]byte("key010"), []byte("OVERWRITTEN"))
	store.Remove([]byte("key011"))

	// Range scan
	fmt.Println("\nRange scan key008..key012:")
	for _, pair := range store.RangeScan([]byte("key008"), []byte("key012")) {
		fmt.Printf("  %s = %s\n", pair.Key, pair.Value)
	}

	// Force the write path to disk and compact
	fmt.Println("\nFlushing and compacting...")
	if err := store.Flush(); err != nil {
		log.Fatalf("Failed to flush: %v", err)
	}
	store.Compact(0, true)
	store.WaitForCompactions()

	// Mirror into the read index
	store.Sync()

	stats := store.GetStats()
	fmt.Printf("\nStats: writes=%d flushes=%d index_keys=%d levels=%v\n",
		stats.LSM.Writes, stats.LSM.Flushes, stats.IndexKeys, stats.LSM.LevelTables)

	fmt.Println("\nClosing...")
	if err := store.Close(); err != nil {
		log.Fatalf("Failed to close: %v", err)
	}

	// Reopen and prove durability
	fmt.Println("Reopening...")
	store2, err := db.Open(cfg, logger, metrics.NewRegistry())
	if err != nil {
		log.Fatalf("Failed to reopen: %v", err)
	}
	defer store2.Close()

	if value, ok := store2.Get([]byte("key010")); ok {
		fmt.Printf("  key010 after reopen = %s\n", value)
	} else {
		fmt.Println("  key010 LOST")
	}
	if _, ok := store2.Get([]byte("key011")); !ok {
		fmt.Println("  key011 still deleted after reopen")
	}
	fmt.Println("Done.")
}
