package coll

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	benchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for dsync servers",
		RunE:    runBench,
		PreRunE: processBenchConfig,
	}
	benchIDPrefix   = "__bench"
	benchCollection = "tests"
	benchThreads    = 10
	benchDocs       = 100
	benchSkip       = make([]string, 0)
)

func init() {
	key := "skip"
	benchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	benchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "docs"
	benchCmd.Flags().Int(key, 100, util.WrapString("How many different documents to use for the tests"))
	key = "collection"
	benchCmd.Flags().String(key, "tests", util.WrapString("The collection the benchmark documents are written to"))
	key = "csv"
	benchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	benchThreads = viper.GetInt("threads")
	benchDocs = max(viper.GetInt("docs"), 1)
	benchCollection = viper.GetString("collection")
	benchSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

// errorCounts counts failed operations per error code
type errorCounts struct {
	conflicts atomic.Int64
	other     atomic.Int64
}

func (e *errorCounts) add(test string, err error) {
	if err == nil {
		return
	}
	if replication.IsConflict(err) {
		e.conflicts.Add(1)
		return
	}
	if e.other.Add(1) <= 10 {
		log.Printf("(%s) - %v\n", test, err)
	}
}

type benchResult struct {
	testing.BenchmarkResult
	Conflicts int64
	Errors    int64
}

func runBench(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Println("Performance testing tool for dsync servers")
	fmt.Println()
	fmt.Println("Configuration:")
	config := util.GetClientConfig()
	fmt.Println(config.String())
	fmt.Printf("Threads: %d, Documents: %d, Collection: %s\n", benchThreads, benchDocs, benchCollection)
	fmt.Println()
	fmt.Println("starting tests...")

	results := make(map[string]benchResult)
	bench := func(name string, prepare func(b *testing.B), op func(i int) error) {
		var errs errorCounts
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(name) {
				return
			}
			if prepare != nil {
				prepare(b)
			}
			b.Cleanup(func() { cleanup(ctx, name) })
			b.SetParallelism(benchThreads)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					errs.add(name, op(counter))
					counter++
				}
			})
		})
		r := benchResult{BenchmarkResult: result, Conflicts: errs.conflicts.Load(), Errors: errs.other.Load()}
		results[name] = r
		printResult(name, r)
	}

	seed := func(name string) func(b *testing.B) {
		return func(b *testing.B) {
			for i := 0; i < benchDocs; i++ {
				if _, err := rpcClient.Apply(ctx, model.Set(benchCollection, benchDoc(name, i))); err != nil {
					log.Printf("(%s) - error seeding document: %v\n", name, err)
				}
			}
		}
	}

	bench("set", nil, func(i int) error {
		_, err := rpcClient.Apply(ctx, model.Set(benchCollection, benchDoc("set", i)))
		return err
	})

	bench("update", seed("update"), func(i int) error {
		_, err := rpcClient.Apply(ctx, model.Update(benchCollection, benchID("update", i), map[string]any{"counter": i}))
		return err
	})

	// every thread writes the same document, failed writes are conflicts
	bench("update-contended", seed("update-contended"), func(i int) error {
		_, err := rpcClient.Apply(ctx, model.Update(benchCollection, benchID("update-contended", 0), map[string]any{"counter": i}))
		return err
	})

	bench("get", seed("get"), func(i int) error {
		_, _, err := rpcClient.Document(ctx, benchCollection, benchID("get", i))
		return err
	})

	bench("get-collection", seed("get-collection"), func(int) error {
		_, err := rpcClient.Collection(ctx, benchCollection)
		return err
	})

	bench("mixed", seed("mixed"), func(i int) error {
		var err error
		switch i % 4 {
		case 0:
			_, err = rpcClient.Apply(ctx, model.Set(benchCollection, benchDoc("mixed", i)))
		case 1:
			_, _, err = rpcClient.Document(ctx, benchCollection, benchID("mixed", i))
		case 2:
			_, err = rpcClient.Apply(ctx, model.Delete(benchCollection, benchID("mixed", i)))
		case 3:
			_, err = rpcClient.Collection(ctx, benchCollection)
		}
		return err
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(benchSkip, test)
}

func benchID(test string, i int) string {
	return fmt.Sprintf("%s-%s-%d", benchIDPrefix, test, i%benchDocs)
}

func benchDoc(test string, i int) model.Document {
	return model.Document{"id": benchID(test, i), "name": test, "counter": i}
}

// cleanup deletes all documents of a test in one transaction
func cleanup(ctx context.Context, test string) {
	muts := make([]model.Mutation, 0, benchDocs)
	for i := 0; i < benchDocs; i++ {
		muts = append(muts, model.Delete(benchCollection, benchID(test, i)))
	}
	if _, err := rpcClient.Apply(ctx, muts...); err != nil {
		log.Printf("(%s) - error deleting documents: %v\n", test, err)
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result benchResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tconflicts=%d errors=%d\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec, result.Conflicts, result.Errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]benchResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetClientConfig()
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped", "Conflicts", "Errors",
		"Endpoint", "TimeoutSec", "RetryCount", "Serializer",
		"Threads", "Documents", "Collection",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, test := range names {
		result := results[test]
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.FormatInt(result.Conflicts, 10),
			strconv.FormatInt(result.Errors, 10),
			config.Endpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			config.Serializer,
			strconv.Itoa(benchThreads),
			strconv.Itoa(benchDocs),
			benchCollection,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
