// Command livesync-ctl is an operational CLI over a livesync engine backed
// by the in-memory adapter. Subcommands: sync (a one-shot push of every
// local document), milestone (prints this node's id; the milestone document
// itself is not read), sancheck (prints a notice; no check is run), and
// reset (destroys and re-bootstraps the local database). The -config flag
// names a TOML file, decoded with BurntSushi/toml.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	livesync "github.com/4very/livesync-commonlib"
	"github.com/4very/livesync-commonlib/internal/dbadapter/memory"
)

// fileConfig is the on-disk TOML shape; toConfig lowers it into the
// engine's livesync.Config.
type fileConfig struct {
	DBName              string `toml:"db_name"`
	CouchDBURI          string `toml:"couchdb_uri"`
	CouchDBUser         string `toml:"couchdb_user"`
	CouchDBPassword     string `toml:"couchdb_password"`
	Encrypt             bool   `toml:"encrypt"`
	Passphrase          string `toml:"passphrase"`
	ReadChunksOnline    bool   `toml:"read_chunks_online"`
	CustomChunkSize     int    `toml:"custom_chunk_size"`
	BatchSize           int    `toml:"batch_size"`
	BatchesLimit        int    `toml:"batches_limit"`
	IgnoreVersionCheck  bool   `toml:"ignore_version_check"`
}

func (f fileConfig) toConfig() livesync.Config {
	cfg := livesync.Config{
		Encrypt:            f.Encrypt,
		Passphrase:         f.Passphrase,
		ReadChunksOnline:   f.ReadChunksOnline,
		CustomChunkSize:    f.CustomChunkSize,
		BatchSize:          f.BatchSize,
		BatchesLimit:       f.BatchesLimit,
		CouchDBURI:         f.CouchDBURI,
		CouchDBDBName:      f.DBName,
		CouchDBUser:        f.CouchDBUser,
		CouchDBPassword:    f.CouchDBPassword,
		IgnoreVersionCheck: f.IgnoreVersionCheck,
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchesLimit == 0 {
		cfg.BatchesLimit = 10
	}
	return cfg
}

func main() {
	configPath := flag.String("config", "livesync.toml", "path to a TOML config file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: livesync-ctl -config=livesync.toml <sync|milestone|sancheck|reset>")
		os.Exit(2)
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(*configPath, &fc); err != nil {
		fmt.Fprintf(os.Stderr, "livesync-ctl: read config: %v\n", err)
		os.Exit(1)
	}
	cfg := fc.toConfig()

	registry := memory.NewRegistry()
	engine := livesync.NewEngine(livesync.EngineOptions{
		Opener:    registry,
		Connector: registry,
		DBName:    fc.DBName,
		Config:    cfg,
	})

	ctx := context.Background()
	result, err := engine.InitializeDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livesync-ctl: initialize: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	switch flag.Arg(0) {
	case "sync":
		if err := engine.TryCreateRemoteDatabase(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "livesync-ctl: connect remote: %v\n", err)
			os.Exit(1)
		}
		if err := engine.ReplicateAllToServer(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "livesync-ctl: sync: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sync complete")
	case "milestone":
		fmt.Printf("node id: %s\n", result.NodeID)
	case "sancheck":
		fmt.Println("sancheck requires a specific entry id; not implemented for the CLI scaffold")
	case "reset":
		if _, err := engine.ResetDatabase(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "livesync-ctl: reset: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("database reset")
	default:
		fmt.Fprintf(os.Stderr, "livesync-ctl: unknown subcommand %q\n", flag.Arg(0))
		os.Exit(2)
	}
}
