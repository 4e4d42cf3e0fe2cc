package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/montanaflynn/stats"
	"github.com/pkg/profile"
)

// #############################################################################

func PrintInfo(logger *log.Logger, cfg *ExperimentConfig) {
	color.Set(color.FgGreen, color.Bold)
	defer color.Unset()

	o := &cfg.Options
	role := "client"
	if o.Role == RoleServer {
		role = "server"
	}
	sep := ": "
	logger.Printf("Time%s%s\n", sep, time.Now().String())
	logger.Printf("Role%s%s (id %d, %s)\n", sep, role, o.ID, o.LocalName)
	logger.Printf("Parties%s%d\n", sep, o.NumParties)
	logger.Printf("Threshold%s%d\n", sep, o.Threshold)
	logger.Printf("|X|%s%d (shared %d)\n", sep, cfg.SetSize, cfg.SameNum)
	logger.Printf("|BF|%s%d (k=%d)\n", sep, o.BloomFilterSize, len(o.HashSeeds))
	logger.Printf("|p|%s%d bits\n", sep, o.P.BitLen())
	logger.Printf("Concurrency%s%d\n", sep, o.ConcurrencyLevel)
	logger.Printf("Rounds%s%d\n", sep, cfg.BenchmarkRounds)
	logger.Printf("Results%s%s\n", sep, cfg.ResultDir)
	logger.Printf("Profile%s%s\n", sep, strconv.FormatBool(cfg.Profile))
}

func Save(cfg *ExperimentConfig, resultSize int, prep, online []float64, sent, received uint64, fname string) error {
	o := &cfg.Options
	strs := []string{
		strconv.Itoa(o.ID), strconv.Itoa(o.NumParties), strconv.Itoa(o.Threshold),
		strconv.Itoa(cfg.SetSize), strconv.FormatUint(o.BloomFilterSize, 10),
		strconv.Itoa(o.ConcurrencyLevel), strconv.Itoa(resultSize),
	}
	for i := range prep {
		strs = append(strs, fmt.Sprintf("%.0f", prep[i]), fmt.Sprintf("%.0f", online[i]))
	}
	strs = append(strs, strconv.FormatUint(sent, 10), strconv.FormatUint(received, 10))
	return AppendFile(fname, []string{strings.Join(strs, ",")})
}

func Summarize(logger *log.Logger, name string, ms []float64) {
	mean, err := stats.Mean(ms)
	Check(err)
	median, err := stats.Median(ms)
	Check(err)
	sd, err := stats.StandardDeviation(ms)
	Check(err)
	logger.Printf("%s: mean=%.1fms median=%.1fms stddev=%.1fms\n", name, mean, median, sd)
}

// #############################################################################

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "config.json", "path to the participant configuration")
	flag.Parse()

	color.Set(color.FgBlue, color.Bold, color.Underline)
	fmt.Println("Threshold Multiparty Private Set Intersection")
	fmt.Println("")
	color.Unset()

	cfg, err := LoadConfig(cfgPath)
	Check(err)

	Check(os.MkdirAll(cfg.ResultDir, os.ModePerm))
	if cfg.Profile {
		defer profile.Start(profile.ProfilePath(cfg.ResultDir)).Stop()
	}

	stdout := log.New(os.Stdout, "", 0)
	stdout.SetPrefix("{CONFIG}\t")
	PrintInfo(stdout, cfg)
	fmt.Println("")

	set := GenerateSet(cfg.SetSize, cfg.SameNum, cfg.SameSeed, cfg.DiffSeed)
	p, err := NewParticipant(cfg.Options, set)
	Check(err)
	defer p.Stop()

	ctx := context.Background()
	Check(p.Initialize(ctx))

	isServer := p.Role() == RoleServer
	Check(p.RingLatency(ctx, isServer))
	prep := make([]float64, 0, cfg.BenchmarkRounds)
	online := make([]float64, 0, cfg.BenchmarkRounds)
	var sent, received uint64

	stdout.SetPrefix("{ROUND}\t\t")
	for r := 0; r < cfg.BenchmarkRounds; r++ {
		d, err := p.Execute(ctx, isServer)
		Check(err)
		prep = append(prep, float64(d.Preparation.Milliseconds()))
		online = append(online, float64(d.Online.Milliseconds()))
		sent, received = p.TotalBytesSent(), p.TotalBytesReceived()
		stdout.Printf("%d => preparation %dms / online %dms / sent %s / received %s\n",
			r+1, d.Preparation.Milliseconds(), d.Online.Milliseconds(), FormatBytes(sent), FormatBytes(received))
	}

	fmt.Println("")
	color.Set(color.FgMagenta, color.Bold)
	stdout.SetPrefix("{RESULT}\t")
	Summarize(stdout, "Preparation", prep)
	Summarize(stdout, "Online", online)
	if isServer {
		stdout.Printf("Intersection => %d elements\n", len(p.Intersection()))
	}
	color.Unset()

	fname := path.Join(cfg.ResultDir, "bench.csv")
	Check(Save(cfg, len(p.Intersection()), prep, online, sent, received, fname))

	color.Set(color.FgBlue)
	fmt.Printf("\nBenchmark written to %s\n", fname)
	color.Unset()
}
