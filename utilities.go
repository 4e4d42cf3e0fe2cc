package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"lukechampine.com/frand"
)

const elementTypeMax = uint64(1) << 32

// #############################################################################

func GetBitMap(sz uint64) *roaring64.Bitmap {
	m := roaring64.New()
	m.AddRange(0, sz)
	return m
}

// #############################################################################

func BLAKE2S(msg []byte, domainSep string) []byte {
	h := blake2s.Sum256(append([]byte(domainSep), msg...))
	return h[:]
}

func BLAKE2B(msg []byte, domainSep string) []byte {
	h := blake2b.Sum256(append([]byte(domainSep), msg...))
	return h[:]
}

// #############################################################################

// NewSeededRNG returns a deterministic generator, so that parties configured
// with the same seed draw the same elements.
func NewSeededRNG(seed uint32) *frand.RNG {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seed)
	return frand.NewCustom(BLAKE2B(b[:], "GenerateSet"), 1024, 12)
}

// GenerateSet draws sameNum elements from sameSeed and the remaining
// setSize-sameNum elements from diffSeed.
func GenerateSet(setSize, sameNum int, sameSeed, diffSeed uint32) []ElementType {
	Assert(sameNum <= setSize)
	set := make([]ElementType, 0, setSize)

	rng := NewSeededRNG(sameSeed)
	for i := 0; i < sameNum; i++ {
		set = append(set, rng.Uint64n(elementTypeMax))
	}

	rng = NewSeededRNG(diffSeed)
	for i := sameNum; i < setSize; i++ {
		set = append(set, rng.Uint64n(elementTypeMax))
	}
	return set
}

// #############################################################################

func AppendFile(fpath string, strs []string) error {
	file, err := os.OpenFile(fpath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, data := range strs {
		if _, err := w.WriteString(data + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// #############################################################################

func Assert(v bool) {
	if !v {
		panic("Assertion failed")
	}
}

func Check(err error) {
	if err != nil {
		panic(err)
	}
}

// #############################################################################

func Timer(start time.Time, log *log.Logger, what string) {
	log.Printf("%s took %s\n", what, time.Since(start))
}

func (w *Stopwatch) Reset() {
	w.start = time.Now()
}

func (w *Stopwatch) Elapsed() time.Duration {
	return time.Since(w.start)
}

// #############################################################################

func FormatBytes(bytes uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes < kb:
		return fmt.Sprintf("%d B", bytes)
	case bytes < mb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	case bytes < gb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	default:
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	}
}

// #############################################################################

func NewProgressBar(sz int, color, name string) *progressbar.ProgressBar {
	return progressbar.NewOptions(sz,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(fmt.Sprintf("[%s]%s...[reset]", color, name)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

// #############################################################################

// E_FullSlots is the expected number of set slots after n insertions into m
// slots with k hash functions.
func E_FullSlots(m, n, k float64) float64 {
	return m * (1.0 - math.Pow((m-1.0)/m, n*k))
}

// E_FalsePositive is the expected false positive rate of such a filter.
func E_FalsePositive(m, n, k float64) float64 {
	return math.Pow(E_FullSlots(m, n, k)/m, k)
}
