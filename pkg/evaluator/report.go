// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package evaluator

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/cachespy/pkg/eviction"
	"gvisor.dev/cachespy/pkg/log"
	"gvisor.dev/cachespy/pkg/sync"
)

// Result is the evaluation of one strategy log.
type Result struct {
	Name     string
	Strategy eviction.Strategy

	// Rate is the percentage of miss samples above the threshold.
	Rate float64

	// AverageRuntime is the average time of one eviction, without the
	// overhead of timing it.
	AverageRuntime float64
}

// column is a CSV column of samples. Empty cells are absent.
type column []float64

func (c column) mean() float64 {
	if len(c) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range c {
		sum += v
	}
	return sum / float64(len(c))
}

// std returns the sample standard deviation.
func (c column) std() float64 {
	if len(c) < 2 {
		return math.NaN()
	}
	mean := c.mean()
	var sum float64
	for _, v := range c {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(c)-1))
}

// filter returns the samples within three standard deviations of the mean.
// If the deviation is undefined, no sample is kept.
func (c column) filter() column {
	mean, std := c.mean(), c.std()
	var kept column
	for _, v := range c {
		if math.Abs(v-mean) <= 3*std {
			kept = append(kept, v)
		}
	}
	return kept
}

// Evaluate reduces the log of strategy name read from r. Outliers beyond
// three standard deviations are dropped from each column separately.
func Evaluate(r io.Reader, name string, threshold uint64) (Result, error) {
	s, err := eviction.ParseName(name)
	if err != nil {
		return Result{}, err
	}
	cols, err := readColumns(r)
	if err != nil {
		return Result{}, fmt.Errorf("reading log of %s: %w", name, err)
	}
	miss, rt, batch := cols[0], cols[1], cols[2]
	if len(miss) == 0 || len(batch) == 0 {
		return Result{}, fmt.Errorf("log of %s has no samples", name)
	}
	batchSize := float64(len(miss)) / float64(len(batch))

	miss = miss.filter()
	if len(miss) == 0 {
		return Result{}, fmt.Errorf("log of %s has too few samples", name)
	}
	var misses int
	for _, v := range miss {
		if v > float64(threshold) {
			misses++
		}
	}
	res := Result{
		Name:     name,
		Strategy: s,
		Rate:     float64(misses) / float64(len(miss)) * 100,
	}

	avg := rt.filter().mean()
	overhead := avg - batch.filter().mean()/batchSize
	res.AverageRuntime = avg - overhead
	return res, nil
}

func readColumns(r io.Reader) ([3]column, error) {
	var cols [3]column
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return cols, err
	}
	if header[0] != "Miss" || header[1] != "Runtime" || header[2] != "RuntimeBatch" {
		return cols, fmt.Errorf("unexpected header %q", header)
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return cols, nil
		}
		if err != nil {
			return cols, err
		}
		for i, field := range rec {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return cols, err
			}
			cols[i] = append(cols[i], v)
		}
	}
}

// Report evaluates every strategy log in dir. Logs that cannot be evaluated
// are skipped. The results are ordered by name.
func Report(dir string, threshold uint64) ([]Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = btree.NewG(2, func(a, b Result) bool { return a.Name < b.Name })
		g       errgroup.Group
	)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := Evaluate(f, strings.TrimSuffix(filepath.Base(path), ".log"), threshold)
			if err != nil {
				log.Warningf("Skipping %s: %v", path, err)
				return nil
			}
			log.Infof("%s: eviction rate %.2f%%, average runtime %.2f", res.Name, res.Rate, res.AverageRuntime)
			mu.Lock()
			results.ReplaceOrInsert(res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sorted := make([]Result, 0, results.Len())
	results.Ascend(func(r Result) bool {
		sorted = append(sorted, r)
		return true
	})
	return sorted, nil
}

// WriteReport writes results as strategies.csv rows.
func WriteReport(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{
		"Strategy",
		"Number of addresses",
		"Number of accesses in loop",
		"Different addresses in loop",
		"Step size",
		"Mirrored",
		"Rate",
		"Average runtime",
	})
	for _, r := range results {
		cw.Write([]string{
			r.Name,
			strconv.Itoa(r.Strategy.AddressCount()),
			strconv.Itoa(r.Strategy.AccessesInLoop),
			strconv.Itoa(r.Strategy.DifferentAddresses),
			strconv.Itoa(r.Strategy.StepSize),
			strconv.FormatBool(r.Strategy.Mirroring),
			strconv.FormatFloat(r.Rate, 'f', -1, 64),
			strconv.FormatFloat(r.AverageRuntime, 'f', -1, 64),
		})
	}
	cw.Flush()
	return cw.Error()
}
