package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/server"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
	"github.com/go-go-golems/gridfeed/pkg/transport/bus"
)

type serveSettings struct {
	Addr        string        `mapstructure:"addr"`
	Source      string        `mapstructure:"source"`
	SQLitePath  string        `mapstructure:"sqlite-path"`
	Seed        string        `mapstructure:"seed"`
	SeedDataset string        `mapstructure:"seed-dataset"`
	DemoRows    int           `mapstructure:"demo-rows"`
	Encoding    string        `mapstructure:"encoding"`
	Latency     time.Duration `mapstructure:"latency"`

	Redis bus.Settings `mapstructure:",squash"`
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve row windows over websocket, HTTP and optionally Redis Streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			var s serveSettings
			if err := v.Unmarshal(&s); err != nil {
				return errors.Wrap(err, "decode settings")
			}
			return runServe(cmd.Context(), s)
		},
	}
	defaults := bus.DefaultSettings()
	f := cmd.Flags()
	f.String("addr", ":8090", "listen address")
	f.String("source", "memory", "table source: memory or sqlite")
	f.String("sqlite-path", "gridfeed.db", "SQLite database file for --source sqlite")
	f.String("seed", "", "JSONL file loaded into --seed-dataset on startup")
	f.String("seed-dataset", "main", "dataset name for --seed")
	f.Int("demo-rows", 1000, "rows per generated demo dataset (A and B) when the source is empty")
	f.String("encoding", "raw", "row encoding on the wire: raw, arrow-ipc or parquet")
	f.Duration("latency", 0, "artificial delay before each response")
	f.Bool("redis-enabled", false, "also serve requests from Redis Streams")
	f.String("redis-addr", defaults.Addr, "Redis address host:port")
	f.String("redis-group", defaults.Group, "Redis consumer group for the request stream")
	f.String("redis-consumer", defaults.Consumer, "Redis consumer name")
	return cmd
}

func runServe(ctx context.Context, s serveSettings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	enc, err := tablesource.ParseEncoding(s.Encoding)
	if err != nil {
		return err
	}

	var seed []payload.Row
	if s.Seed != "" {
		f, err := os.Open(s.Seed)
		if err != nil {
			return errors.Wrap(err, "open seed")
		}
		seed, err = tablesource.ReadJSONL(f)
		_ = f.Close()
		if err != nil {
			return errors.Wrapf(err, "read seed %s", s.Seed)
		}
	}

	var opts []server.Option
	var source tablesource.Source
	switch s.Source {
	case "memory":
		mem := tablesource.NewMemorySource()
		if seed != nil {
			mem.Put(s.SeedDataset, seed)
		} else {
			mem.Put("A", tablesource.DemoRows("A", s.DemoRows))
			mem.Put("B", tablesource.DemoRows("B", s.DemoRows))
		}
		source = mem
	case "sqlite":
		dsn, err := tablesource.SQLiteDSNForFile(s.SQLitePath)
		if err != nil {
			return err
		}
		lite, err := tablesource.NewSQLiteSource(dsn)
		if err != nil {
			return errors.Wrap(err, "open sqlite source")
		}
		opts = append(opts, server.WithCloser(lite))
		if err := seedSQLite(ctx, lite, s, seed); err != nil {
			_ = lite.Close()
			return err
		}
		source = lite
	default:
		return errors.Errorf("unknown source %q", s.Source)
	}

	responder := tablesource.NewResponder(source, tablesource.WithEncoding(enc), tablesource.WithFixedLatency(s.Latency))

	if s.Redis.Enabled {
		if err := bus.EnsureGroupAtTail(ctx, s.Redis.Addr, bus.RequestsTopic, s.Redis.Group); err != nil {
			return errors.Wrap(err, "ensure redis consumer group")
		}
		pub, sub, err := bus.BuildRedisPubSub(s.Redis, log.Logger)
		if err != nil {
			return err
		}
		opts = append(opts,
			server.WithBus(bus.NewServer(responder, pub, sub)),
			server.WithCloser(sub),
			server.WithCloser(pub),
		)
	}

	log.Info().Str("source", s.Source).Str("encoding", string(enc)).Strs("columns", source.Columns()).Msg("table source ready")
	return server.New(s.Addr, responder, opts...).Run(ctx)
}

func seedSQLite(ctx context.Context, lite *tablesource.SQLiteSource, s serveSettings, seed []payload.Row) error {
	if seed != nil {
		return lite.Load(ctx, s.SeedDataset, seed)
	}
	existing, err := lite.Datasets(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, name := range []string{"A", "B"} {
		if err := lite.Load(ctx, name, tablesource.DemoRows(name, s.DemoRows)); err != nil {
			return errors.Wrapf(err, "seed demo dataset %s", name)
		}
	}
	return nil
}
