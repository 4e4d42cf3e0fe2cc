package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/atomic"
)

const (
	serverName        = "server"
	rightNeighborName = "right"
	leftNeighborName  = "left"

	connectDelay = 100 * time.Millisecond
	pollInterval = 50 * time.Millisecond
)

// role is the part of the protocol that differs between the server and the
// clients. It is chosen once, in NewParticipant.
type role interface {
	bootstrap(ctx context.Context) error
	keySetup(ctx context.Context) error
	prepare(ctx context.Context, ex *execution) error
	ringLatency(ctx context.Context, print bool) error
	ringPass(ctx context.Context, ex *execution) error
	findIntersection(ctx context.Context, ex *execution) error
}

// #############################################################################

// NewParticipant validates opts, draws the key share and starts listening.
func NewParticipant(opts Options, set []ElementType) (*Participant, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Participant{
		KeyHolder: NewKeyHolder(opts.P, opts.Alpha, opts.PhiPPrimeFactors),
		opts:      opts,
		endpoint:  NewEndpoint(opts.Port),
		bf:        NewBloomFilter(opts.BloomFilterSize, opts.HashSeeds),
		state:     atomic.NewInt32(int32(StateUninitialized)),
		elements:  append([]ElementType(nil), set...),
	}

	var w io.Writer = os.Stdout
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		p.logFile = f
		w = f
	}
	p.log = log.New(w, fmt.Sprintf("[Party %d] ", opts.ID), 0)

	if opts.Role == RoleServer {
		p.role = &Server{p}
	} else {
		p.role = &Client{p}
	}

	if err := p.endpoint.Start(); err != nil {
		p.closeLog()
		return nil, err
	}
	return p, nil
}

func (p *Participant) Role() Role {
	return p.opts.Role
}

func (p *Participant) State() State {
	return State(p.state.Load())
}

func (p *Participant) ChangeElementSet(set []ElementType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() == StateExecuting {
		return fmt.Errorf("%w: cannot change the set while executing", ErrInvalidState)
	}
	p.elements = append([]ElementType(nil), set...)
	return nil
}

func (p *Participant) snapshotElements() []ElementType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elements
}

// Intersection returns the result of the last execution. Only the server has one.
func (p *Participant) Intersection() []IntersectionEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]IntersectionEntry(nil), p.result...)
}

// #############################################################################

// Initialize forms the ring and establishes the joint key. It runs once. On
// failure the participant is stopped.
func (p *Participant) Initialize(ctx context.Context) (err error) {
	if !p.state.CompareAndSwap(int32(StateUninitialized), int32(StateBootstrapped)) {
		return fmt.Errorf("%w: initialize from %d", ErrInvalidState, p.State())
	}
	defer p.stopOnError(&err)
	defer Timer(time.Now(), p.log, "initialize")

	bctx, cancel := context.WithTimeout(ctx, p.opts.BootstrapTimeout)
	defer cancel()
	if err := p.role.bootstrap(bctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	p.log.Printf("ring formed / channels=%d\n", p.endpoint.NumChannels())

	if err := p.role.keySetup(ctx); err != nil {
		return fmt.Errorf("key setup: %w", err)
	}
	p.state.CompareAndSwap(int32(StateBootstrapped), int32(StateKeyEstablished))
	p.endpoint.ResetCounters()

	p.state.CompareAndSwap(int32(StateKeyEstablished), int32(StateReady))
	return nil
}

// Execute runs one protocol round and returns the preparation and online times.
// A failed round leaves the channels mid-stream, so the participant is stopped.
func (p *Participant) Execute(ctx context.Context, print bool) (d Durations, err error) {
	if !p.state.CompareAndSwap(int32(StateReady), int32(StateExecuting)) {
		return d, fmt.Errorf("%w: execute from %d", ErrInvalidState, p.State())
	}
	defer func() {
		if err == nil {
			p.state.CompareAndSwap(int32(StateExecuting), int32(StateReady))
		}
	}()
	defer p.stopOnError(&err)

	ex := &execution{id: uuid.NewString()}
	p.log.Printf("execution %s started\n", ex.id)

	p.endpoint.ResetCounters()
	p.bf.Clear()

	var sw Stopwatch
	sw.Reset()
	if err := p.prepare(ctx, ex); err != nil {
		return d, fmt.Errorf("prepare: %w", err)
	}
	if err := p.role.ringLatency(ctx, false); err != nil {
		return d, fmt.Errorf("ring latency: %w", err)
	}
	d.Preparation = sw.Elapsed()
	sw.Reset()

	if err := p.role.ringPass(ctx, ex); err != nil {
		return d, fmt.Errorf("ring pass: %w", err)
	}
	if err := p.role.findIntersection(ctx, ex); err != nil {
		return d, fmt.Errorf("find intersection: %w", err)
	}
	d.Online = sw.Elapsed()

	if p.Role() == RoleServer {
		p.mu.Lock()
		p.result = ex.result
		p.mu.Unlock()
		if print {
			fmt.Printf("result size: %d\n", len(ex.result))
		}
	}
	p.log.Printf("execution %s done / preparation=%s online=%s sent=%s received=%s\n",
		ex.id, d.Preparation, d.Online, FormatBytes(p.TotalBytesSent()), FormatBytes(p.TotalBytesReceived()))
	return d, nil
}

// RingLatency sends a two byte probe once around the ring.
func (p *Participant) RingLatency(ctx context.Context, print bool) error {
	return p.role.ringLatency(ctx, print)
}

// Stop shuts the transport down. The participant cannot be used afterwards.
func (p *Participant) Stop() {
	if State(p.state.Swap(int32(StateStopped))) == StateStopped {
		return
	}
	p.endpoint.Stop()
	p.closeLog()
}

func (p *Participant) stopOnError(err *error) {
	if *err != nil {
		p.log.Printf("stopping: %v\n", *err)
		p.Stop()
	}
}

func (p *Participant) closeLog() {
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
}

func (p *Participant) TotalBytesSent() uint64 {
	return p.endpoint.TotalBytesSent()
}

func (p *Participant) TotalBytesReceived() uint64 {
	return p.endpoint.TotalBytesReceived()
}

// #############################################################################

// prepare builds and inverts the Bloom filter, then hands over to the role.
func (p *Participant) prepare(ctx context.Context, ex *execution) error {
	ex.elements = p.snapshotElements()
	for _, e := range ex.elements {
		p.bf.Insert(e)
	}
	filled := p.bf.Cardinality()
	p.bf.Invert()

	m := float64(p.bf.Size())
	k := float64(len(p.opts.HashSeeds))
	n := float64(len(ex.elements))
	p.log.Printf("filled slots=%d (expected=%f) / fpr=%f\n", filled, E_FullSlots(m, n, k), E_FalsePositive(m, n, k))

	return p.role.prepare(ctx, ex)
}

func (p *Participant) levels() int {
	return p.opts.NumParties - p.opts.Threshold + 1
}

func (p *Participant) isHead() bool {
	return p.opts.ID == p.opts.NumParties-1
}

func (p *Participant) pool(nJobs int, name string) *WorkerPool {
	var bar *progressbar.ProgressBar
	if p.opts.ShowProgress {
		bar = NewProgressBar(nJobs, "cyan", name)
	}
	return NewWorkerPool(nJobs, p.opts.ConcurrencyLevel, bar)
}

// waitForChannels polls until n channels exist or ctx ends.
func (p *Participant) waitForChannels(ctx context.Context, n int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for p.endpoint.NumChannels() < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: have %d of %d: %v", ErrBootstrapTimeout, p.endpoint.NumChannels(), n, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// connectAll opens the C parallel channels to one neighbour.
func (p *Participant) connectAll(ctx context.Context, name, address, advertised string) error {
	for i := 0; i < p.opts.ConcurrencyLevel; i++ {
		if err := p.endpoint.Connect(ctx, channelName(name, i), address, channelName(advertised, i)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	return nil
}

// #############################################################################

func channelName(remote string, channel int) string {
	return remote + "_" + strconv.Itoa(channel)
}

func (p *Participant) sendInt(ctx context.Context, remote string, n *big.Int, channel int) error {
	buf := make([]byte, p.opts.FieldBytes)
	if err := BytesFromInt(buf, n); err != nil {
		return err
	}
	return p.endpoint.Write(ctx, channelName(remote, channel), buf)
}

func (p *Participant) receiveInt(ctx context.Context, remote string, channel int) (*big.Int, error) {
	buf := make([]byte, p.opts.FieldBytes)
	if err := p.endpoint.Read(ctx, channelName(remote, channel), buf); err != nil {
		return nil, err
	}
	return IntFromBytes(buf), nil
}

func (p *Participant) sendCiphertext(ctx context.Context, remote string, c *Ciphertext, channel int) error {
	w := p.opts.FieldBytes
	buf := make([]byte, 2*w)
	if err := BytesFromInt(buf[:w], c.C1); err != nil {
		return err
	}
	if err := BytesFromInt(buf[w:], c.C2); err != nil {
		return err
	}
	return p.endpoint.Write(ctx, channelName(remote, channel), buf)
}

func (p *Participant) receiveCiphertext(ctx context.Context, remote string, c *Ciphertext, channel int) error {
	w := p.opts.FieldBytes
	buf := make([]byte, 2*w)
	if err := p.endpoint.Read(ctx, channelName(remote, channel), buf); err != nil {
		return err
	}
	c.C1 = IntFromBytes(buf[:w])
	c.C2 = IntFromBytes(buf[w:])
	return nil
}

// broadcastInt sends n to every other party on the given channel.
func (p *Participant) broadcastInt(ctx context.Context, n *big.Int, channel int) error {
	for _, remote := range p.opts.PartyList {
		if remote == p.opts.LocalName {
			continue
		}
		if err := p.sendInt(ctx, remote, n, channel); err != nil {
			return err
		}
	}
	return nil
}

// collectInts receives one value from every other party, in party list order.
func (p *Participant) collectInts(ctx context.Context, channel int) ([]*big.Int, error) {
	ret := make([]*big.Int, 0, len(p.opts.PartyList))
	for _, remote := range p.opts.PartyList {
		if remote == p.opts.LocalName {
			continue
		}
		n, err := p.receiveInt(ctx, remote, channel)
		if err != nil {
			return nil, err
		}
		ret = append(ret, n)
	}
	return ret, nil
}
