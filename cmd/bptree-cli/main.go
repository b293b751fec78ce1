// bptree-cli is the command surface of the index: build from input files,
// mutate single records, run exact, range, and KNN searches, and inspect or
// clear the query cache.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	bptree "github.com/arstotzkan/bptree-rfann"
	"github.com/arstotzkan/bptree-rfann/reader"
)

func main() {
	app := &cli.App{
		Name:  "bptree-cli",
		Usage: "disk B+ tree index for range-filtered vector search",
		Commands: []*cli.Command{
			buildCommand(),
			addCommand(),
			removeCommand(),
			searchCommand(),
			cacheCommand(),
			statsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func indexFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "index", Aliases: []string{"i"}, Usage: "index directory", Required: true}
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

// parseKey accepts integer and float keys; a float is truncated and the
// record remembers its origin for display.
func parseKey(s string) (int32, bool, error) {
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("bad key %q: %w", s, err)
		}
		return int32(f), true, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("bad key %q: %w", s, err)
	}
	return int32(n), false, nil
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "build an index from an input file",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.StringFlag{Name: "input", Usage: "input file (not needed for synthetic)"},
			&cli.StringFlag{Name: "format", Usage: "binary | fvecs | npy | synthetic", Value: "binary"},
			&cli.StringFlag{Name: "labels", Usage: "label file assigning keys to fvecs vectors"},
			&cli.UintFlag{Name: "order", Usage: "tree order (0 = suggest from dimension)"},
			&cli.BoolFlag{Name: "separate-storage", Usage: "store vectors in the companion file"},
			&cli.Float64Flag{Name: "fill-factor", Value: bptree.DefaultFillFactor},
			&cli.BoolFlag{Name: "incremental", Usage: "insert one by one instead of bulk loading"},
			&cli.IntFlag{Name: "count", Usage: "synthetic record count", Value: 1000},
			&cli.IntFlag{Name: "dim", Usage: "synthetic vector dimension", Value: 8},
			&cli.BoolFlag{Name: "direct-io", Usage: "open the paged file with O_DIRECT"},
		},
		Action: runBuild,
	}
}

func runBuild(c *cli.Context) error {
	dir := c.String("index")
	log := bptree.NewLogger(dir, "build")
	defer log.Sync()

	var (
		records []bptree.Record
		dim     int32
		err     error
	)
	switch c.String("format") {
	case "binary":
		records, dim, err = reader.ReadBinary(c.String("input"))
	case "fvecs":
		if labels := c.String("labels"); labels != "" {
			records, dim, err = reader.ReadFVECSWithLabels(c.String("input"), labels, log)
		} else {
			records, dim, err = reader.ReadFVECS(c.String("input"), log)
		}
	case "npy":
		records, dim, err = reader.ReadNPY(c.String("input"))
	case "synthetic":
		records = reader.Synthetic(c.Int("count"), c.Int("dim"))
		dim = int32(c.Int("dim"))
	default:
		return fmt.Errorf("unknown input format %q", c.String("format"))
	}
	if err != nil {
		return err
	}

	order := uint32(c.Uint("order"))
	separate := c.Bool("separate-storage")
	if order == 0 {
		order = bptree.SuggestOrder(uint32(dim), 0, separate)
	}
	cfg := bptree.NewConfig(order, uint32(dim), separate)

	var opts []bptree.Option
	if c.Bool("direct-io") {
		opts = append(opts, bptree.WithDirectIO())
	}
	ix, err := bptree.CreateIndex(dir, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer ix.Close()

	start := time.Now()
	if c.Bool("incremental") {
		for i, rec := range records {
			if err := ix.Insert(rec); err != nil {
				return fmt.Errorf("inserting record %d: %w", i, err)
			}
		}
	} else {
		// bulk load wants key order; a stable sort keeps duplicate keys in
		// file order
		sort.SliceStable(records, func(i, j int) bool { return records[i].Key < records[j].Key })
		if err := ix.BulkLoad(records, c.Float64("fill-factor")); err != nil {
			return err
		}
	}
	fmt.Printf("Indexed %d records (dim %d, order %d) in %s\n",
		len(records), dim, order, time.Since(start).Round(time.Millisecond))
	return nil
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "insert one record",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
			&cli.StringFlag{Name: "vector", Aliases: []string{"v"}, Usage: "comma-separated floats", Required: true},
		},
		Action: func(c *cli.Context) error {
			log := bptree.NewLogger(c.String("index"), "add")
			defer log.Sync()
			key, isFloat, err := parseKey(c.String("key"))
			if err != nil {
				return err
			}
			vec, err := parseVector(c.String("vector"))
			if err != nil {
				return err
			}
			ix, err := bptree.OpenIndex(c.String("index"), log)
			if err != nil {
				return err
			}
			defer ix.Close()
			if err := ix.Insert(bptree.Record{Key: key, FloatKey: isFloat, Vector: vec}); err != nil {
				return err
			}
			fmt.Printf("Added record with key %s (dim %d)\n", c.String("key"), len(vec))
			return nil
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:  "remove",
		Usage: "delete a record by key, optionally matching a vector",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
			&cli.StringFlag{Name: "vector", Aliases: []string{"v"}, Usage: "only delete the entry matching this vector"},
		},
		Action: func(c *cli.Context) error {
			log := bptree.NewLogger(c.String("index"), "remove")
			defer log.Sync()
			key, _, err := parseKey(c.String("key"))
			if err != nil {
				return err
			}
			ix, err := bptree.OpenIndex(c.String("index"), log)
			if err != nil {
				return err
			}
			defer ix.Close()

			var deleted bool
			if s := c.String("vector"); s != "" {
				vec, err := parseVector(s)
				if err != nil {
					return err
				}
				deleted, err = ix.DeleteRecord(key, vec)
				if err != nil {
					return err
				}
			} else {
				deleted, err = ix.DeleteKey(key)
				if err != nil {
					return err
				}
			}
			if !deleted {
				return fmt.Errorf("no record with key %s", c.String("key"))
			}
			fmt.Printf("Deleted record with key %s\n", c.String("key"))
			return nil
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "exact, range, or range-filtered KNN search",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.StringFlag{Name: "value", Aliases: []string{"v"}, Usage: "exact key (exclusive with --min/--max)"},
			&cli.StringFlag{Name: "min", Usage: "range lower bound"},
			&cli.StringFlag{Name: "max", Usage: "range upper bound"},
			&cli.StringFlag{Name: "vector", Usage: "query vector for KNN"},
			&cli.IntFlag{Name: "K", Aliases: []string{"k"}, Usage: "number of nearest neighbors"},
			&cli.IntFlag{Name: "parallel", Usage: "KNN worker count", Value: 0},
			&cli.BoolFlag{Name: "memory", Usage: "load the index into memory first"},
			&cli.Uint64Flag{Name: "memory-limit-mb", Usage: "memory index soft cap", Value: 0},
		},
		Action: runSearch,
	}
}

func runSearch(c *cli.Context) error {
	hasValue := c.IsSet("value")
	hasRange := c.IsSet("min") && c.IsSet("max")
	if !hasValue && !hasRange {
		return fmt.Errorf("specify either --value or both --min and --max")
	}
	if hasValue && (c.IsSet("min") || c.IsSet("max")) {
		return fmt.Errorf("--value and --min/--max are mutually exclusive")
	}
	if c.IsSet("K") && !c.IsSet("vector") {
		return fmt.Errorf("--K requires --vector")
	}

	var minKey, maxKey int32
	if hasValue {
		v, _, err := parseKey(c.String("value"))
		if err != nil {
			return err
		}
		minKey, maxKey = v, v
	} else {
		var err error
		if minKey, _, err = parseKey(c.String("min")); err != nil {
			return err
		}
		if maxKey, _, err = parseKey(c.String("max")); err != nil {
			return err
		}
		if minKey > maxKey {
			return fmt.Errorf("min must not exceed max")
		}
	}

	log := bptree.NewLogger(c.String("index"), "search")
	defer log.Sync()
	ix, err := bptree.OpenIndex(c.String("index"), log)
	if err != nil {
		return err
	}
	defer ix.Close()

	if c.Bool("memory") {
		if err := ix.LoadIntoMemory(c.Uint64("memory-limit-mb"), true); err != nil {
			return err
		}
	}

	if c.IsSet("vector") {
		q, err := parseVector(c.String("vector"))
		if err != nil {
			return err
		}
		k := c.Int("K")
		if k <= 0 {
			return fmt.Errorf("K must be a positive integer")
		}
		start := time.Now()
		neighbors, err := ix.KNN(context.Background(), q, minKey, maxKey, k, c.Int("parallel"))
		if err != nil {
			return err
		}
		fmt.Printf("%d nearest neighbors in [%d, %d] (%s):\n",
			len(neighbors), minKey, maxKey, time.Since(start).Round(time.Microsecond))
		for i, n := range neighbors {
			fmt.Printf("  #%d key=%d dist=%g vector=%v\n", i+1, n.Key, n.Distance, n.Vector)
		}
		return nil
	}

	start := time.Now()
	records, err := ix.Range(minKey, maxKey)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d records in [%d, %d] (%s):\n",
		len(records), minKey, maxKey, time.Since(start).Round(time.Microsecond))
	for i, rec := range records {
		fmt.Printf("  #%d key=%d vector=%v\n", i+1, rec.Key, rec.Vector)
	}
	return nil
}

func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "inspect or clear the query cache",
		Subcommands: []*cli.Command{
			{
				Name:  "read",
				Usage: "list cached queries and their contents",
				Flags: []cli.Flag{indexFlag()},
				Action: func(c *cli.Context) error {
					ix, err := bptree.OpenIndex(c.String("index"), zap.NewNop())
					if err != nil {
						return err
					}
					defer ix.Close()
					entries := ix.Cache().Entries()
					fmt.Printf("%d cached queries\n", len(entries))
					for _, id := range entries {
						r, err := ix.Cache().Load(id)
						if err != nil {
							fmt.Printf("  %s: unreadable (%v)\n", id, err)
							continue
						}
						fmt.Printf("  %s range=[%d, %d] max_k=%d neighbors=%d last_used=%s\n",
							id, r.MinKey, r.MaxKey, r.MaxK, len(r.Neighbors),
							time.Unix(r.LastUsed, 0).Format(time.RFC3339))
					}
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "drop every cached query",
				Flags: []cli.Flag{indexFlag()},
				Action: func(c *cli.Context) error {
					ix, err := bptree.OpenIndex(c.String("index"), zap.NewNop())
					if err != nil {
						return err
					}
					defer ix.Close()
					if err := ix.Cache().Clear(); err != nil {
						return err
					}
					fmt.Println("Cache cleared")
					return nil
				},
			},
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print the tree structure and index counters",
		Flags: []cli.Flag{indexFlag()},
		Action: func(c *cli.Context) error {
			ix, err := bptree.OpenIndex(c.String("index"), zap.NewNop())
			if err != nil {
				return err
			}
			defer ix.Close()
			cfg := ix.Tree().PageManager().Config()
			fmt.Printf("order=%d page_size=%d max_vector_size=%d separate_storage=%v entries=%d\n",
				cfg.Order, cfg.PageSize, cfg.MaxVectorSize, cfg.SeparateStorage, ix.Tree().Len())
			if minKey, maxKey, err := ix.Tree().KeyRange(); err == nil {
				fmt.Printf("key range: [%d, %d]\n", minKey, maxKey)
			}
			fmt.Printf("estimated memory footprint: %s\n", ix.Tree().MemoryFootprint())
			return ix.Tree().DumpTree(os.Stdout)
		},
	}
}
