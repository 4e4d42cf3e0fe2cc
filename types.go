package main

import (
	"errors"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/atomic"
)

// #############################################################################

type Role int

const (
	RoleServer Role = iota
	RoleClient
)

type State int32

const (
	StateUninitialized State = iota
	StateBootstrapped
	StateKeyEstablished
	StateReady
	StateExecuting
	StateStopped
)

type ElementType = uint64

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidState     = errors.New("participant is not in a valid state for this operation")
	ErrBootstrapTimeout = errors.New("timed out waiting for ring channels")
	ErrNoGenerator      = errors.New("no generator found")
	ErrFieldOverflow    = errors.New("field element does not fit the configured width")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrEndpointStopped  = errors.New("endpoint stopped")
)

// #############################################################################

type Options struct {
	Role             Role
	ID               int
	NumParties       int
	Threshold        int
	ConcurrencyLevel int

	BloomFilterSize   uint64
	FalsePositiveRate float64
	NumHashFunctions  int
	HashSeeds         []uint32

	Port                 int
	LocalName            string
	ServerAddress        string
	RightNeighborAddress string
	PartyList            []string
	BootstrapTimeout     time.Duration

	P, Q, Alpha      *big.Int
	QPower           int
	PhiPPrimeFactors []*big.Int
	FieldBytes       int

	LogFile      string
	ShowProgress bool
}

type ExperimentConfig struct {
	Options         Options
	SetSize         int
	SameNum         int
	SameSeed        uint32
	DiffSeed        uint32
	BenchmarkRounds int
	ResultDir       string
	Profile         bool
}

// #############################################################################

type KeyHolder struct {
	p, alpha *big.Int
	factors  []*big.Int
	sk, beta *big.Int
}

type Ciphertext struct {
	C1, C2 *big.Int
}

type IntersectionEntry struct {
	Count   int
	Element ElementType
}

type Durations struct {
	Preparation time.Duration
	Online      time.Duration
}

// execution holds the state of one protocol run. Nothing in it survives the run.
type execution struct {
	id       string
	elements []ElementType
	voteBase *big.Int
	bases    []Ciphertext
	rerand   []Ciphertext
	table    []*big.Int
	result   []IntersectionEntry
}

// #############################################################################

type BloomFilter struct {
	size  uint64
	seeds []uint32
	bits  *roaring64.Bitmap
}

// #############################################################################

type Endpoint struct {
	addr      string
	server    *http.Server
	upgrader  websocket.Upgrader
	listening *atomic.Bool
	stopped   *atomic.Bool

	mu       sync.RWMutex
	channels map[string]*wsChannel

	sent     *atomic.Uint64
	received *atomic.Uint64
}

// wsChannel is owned by a single worker at a time; reads and writes on it are
// never concurrent with each other from two workers.
type wsChannel struct {
	conn   *websocket.Conn
	reader io.Reader
}

// #############################################################################

type Partition struct {
	Worker     int
	Start, End int
	bar        *progressbar.ProgressBar
}

type WorkerFunc func(Partition) error

type WorkerPool struct {
	nJobs    int
	nWorkers int
	bar      *progressbar.ProgressBar
}

// #############################################################################

type Participant struct {
	KeyHolder
	opts     Options
	endpoint *Endpoint
	bf       *BloomFilter
	role     role
	state    *atomic.Int32
	log      *log.Logger
	logFile  *os.File

	mu       sync.Mutex
	elements []ElementType
	result   []IntersectionEntry
}

type Server struct {
	p *Participant
}

type Client struct {
	p *Participant
}

// #############################################################################

type Stopwatch struct {
	start time.Time
}
