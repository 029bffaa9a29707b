package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vnadvisor/internal/config"
	"vnadvisor/internal/store"
	"vnadvisor/internal/util"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vnadvisor-import <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  bars      Import daily bar CSVs into the Parquet store\n")
		fmt.Fprintf(os.Stderr, "  scores    Import a score table CSV into the results db\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "bars":
		importBars(os.Args[2:])
	case "scores":
		importScores(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
}

func importBars(args []string) {
	fs := flag.NewFlagSet("bars", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol for a single CSV (default: derived from file name)")
	cfg := loadConfig(fs, args)

	files := fs.Args()
	if len(files) == 0 {
		log.Fatal("no CSV files given")
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	ctx := context.Background()

	for _, path := range files {
		sym := *symbol
		if sym == "" {
			sym = strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		}
		bars, err := store.ReadBarCSV(path, sym)
		if err != nil {
			log.Fatalf("reading %s: %v", path, err)
		}
		if err := ps.WriteBars(ctx, bars); err != nil {
			log.Fatalf("writing bars for %s: %v", sym, err)
		}
		fmt.Printf("%s: %d bars imported\n", sym, len(bars))
	}
}

func importScores(args []string) {
	fs := flag.NewFlagSet("scores", flag.ExitOnError)
	asOfFlag := fs.String("date", "", "as-of date YYYY-MM-DD (default today)")
	cfg := loadConfig(fs, args)

	files := fs.Args()
	if len(files) != 1 {
		log.Fatal("exactly one score CSV required")
	}

	asOf := time.Now().UTC()
	if *asOfFlag != "" {
		var err error
		asOf, err = time.Parse("2006-01-02", *asOfFlag)
		if err != nil {
			log.Fatalf("invalid -date: %v", err)
		}
	}

	rows, err := store.ReadScoreCSV(files[0])
	if err != nil {
		log.Fatalf("reading %s: %v", files[0], err)
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening results db: %v", err)
	}
	defer db.Close()

	if err := db.SaveScores(context.Background(), asOf, rows); err != nil {
		log.Fatalf("saving scores: %v", err)
	}
	fmt.Printf("%d scores imported for %s\n", len(rows), asOf.Format("2006-01-02"))
}

// loadConfig registers the -config flag on fs, parses args, and loads the
// config; flags defined by the caller stay usable after parsing.
func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	cfgPath := fs.String("config", configPath(), "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	return cfg
}

func configPath() string {
	if p := os.Getenv("VNADVISOR_CONFIG"); p != "" {
		return p
	}
	return "config/vnadvisor.yaml"
}
