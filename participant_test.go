package main

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ringParams struct {
	threshold   int
	concurrency int
	bloomSize   uint64
	seeds       []uint32
}

var smallRing = ringParams{threshold: 2, concurrency: 1, bloomSize: 16, seeds: ringSeeds}

// Sets whose slots under ringSeeds overlap so that 5 and 9 are held by two
// parties at every slot while 12 shares slot 10 with nobody.
var (
	serverSet = []ElementType{5, 9, 12}
	aliceSet  = []ElementType{5, 7}
	bobSet    = []ElementType{9, 20}
)

func ringOptions(t *testing.T, rp ringParams, n int) []Options {
	t.Helper()
	ports := freePorts(t, n)
	names := make([]string, n)
	names[0] = "server"
	for i := 1; i < n; i++ {
		names[i] = fmt.Sprintf("party%d", i)
	}
	dir := t.TempDir()

	opts := make([]Options, n)
	for i := range opts {
		o := Options{
			Role:                 RoleClient,
			ID:                   i,
			NumParties:           n,
			Threshold:            rp.threshold,
			ConcurrencyLevel:     rp.concurrency,
			BloomFilterSize:      rp.bloomSize,
			HashSeeds:            rp.seeds,
			Port:                 ports[i],
			LocalName:            names[i],
			ServerAddress:        localAddress(ports[0]),
			RightNeighborAddress: localAddress(ports[(i+1)%n]),
			PartyList:            names,
			BootstrapTimeout:     20 * time.Second,
			P:                    toyP,
			Q:                    toyQ,
			Alpha:                toyAlpha,
			QPower:               toyQPower,
			PhiPPrimeFactors:     toyFactors,
			FieldBytes:           toyBytes,
			LogFile:              filepath.Join(dir, fmt.Sprintf("party%d.log", i)),
		}
		if i == 0 {
			o.Role = RoleServer
			o.ServerAddress = ""
		}
		opts[i] = o
	}
	return opts
}

// newRing starts one participant per set, the first being the server, and
// initializes them all.
func newRing(t *testing.T, rp ringParams, sets ...[]ElementType) []*Participant {
	t.Helper()
	opts := ringOptions(t, rp, len(sets))
	parties := make([]*Participant, len(sets))
	for i := range parties {
		p, err := NewParticipant(opts[i], sets[i])
		require.NoError(t, err)
		t.Cleanup(p.Stop)
		parties[i] = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, forAll(parties, func(p *Participant) error {
		return p.Initialize(ctx)
	}))
	return parties
}

func forAll(parties []*Participant, fn func(*Participant) error) error {
	errs := make([]error, len(parties))
	var wg sync.WaitGroup
	for i, p := range parties {
		wg.Add(1)
		go func(i int, p *Participant) {
			defer wg.Done()
			errs[i] = fn(p)
		}(i, p)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("party %d: %w", i, err)
		}
	}
	return nil
}

func executeAll(t *testing.T, parties []*Participant) map[ElementType]int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, forAll(parties, func(p *Participant) error {
		_, err := p.Execute(ctx, false)
		return err
	}))
	return resultMap(parties[0].Intersection())
}

func resultMap(entries []IntersectionEntry) map[ElementType]int {
	ret := make(map[ElementType]int, len(entries))
	for _, e := range entries {
		ret[e.Element] = e.Count
	}
	return ret
}

// expectedIntersection computes the result directly from plain Bloom filters:
// the count of an element is the fewest holders over its slots.
func expectedIntersection(rp ringParams, sets [][]ElementType) map[ElementType]int {
	filters := make([]*BloomFilter, len(sets))
	for i, set := range sets {
		filters[i] = NewBloomFilter(rp.bloomSize, rp.seeds)
		for _, e := range set {
			filters[i].Insert(e)
		}
	}

	ret := make(map[ElementType]int)
	for _, e := range sets[0] {
		fewest := len(sets)
		for _, pos := range HashPositions(e, rp.bloomSize, rp.seeds) {
			holders := 0
			for _, bf := range filters {
				if bf.CheckPosition(pos) {
					holders++
				}
			}
			if holders < fewest {
				fewest = holders
			}
		}
		if fewest >= rp.threshold {
			ret[e] = fewest
		}
	}
	return ret
}

// #############################################################################

func TestKeySetup(t *testing.T) {
	parties := newRing(t, smallRing, serverSet, aliceSet, bobSet)

	joint := parties[0].Beta()
	for i, p := range parties {
		assert.Equal(t, StateReady, p.State())
		assert.Equal(t, 0, joint.Cmp(p.Beta()), "party %d", i)
		assert.Zero(t, p.TotalBytesSent())
		assert.Zero(t, p.TotalBytesReceived())
	}

	want := big.NewInt(1)
	for _, p := range parties {
		want.Mul(want, new(big.Int).Exp(toyAlpha, p.sk, toyP)).Mod(want, toyP)
	}
	assert.Equal(t, 0, want.Cmp(joint))

	// Each client holds a channel set to the server and to both neighbours.
	for _, p := range parties[1:] {
		assert.Equal(t, []string{"left_0", "right_0", "server_0"}, p.endpoint.RemoteNames())
	}
	assert.Equal(t, []string{"left_0", "party1_0", "party2_0", "right_0"}, parties[0].endpoint.RemoteNames())
}

func TestThreePartyIntersection(t *testing.T) {
	parties := newRing(t, smallRing, serverSet, aliceSet, bobSet)
	assert.Equal(t, map[ElementType]int{5: 2, 9: 2}, executeAll(t, parties))

	for _, p := range parties {
		assert.Equal(t, StateReady, p.State())
		assert.NotZero(t, p.TotalBytesSent())
		assert.NotZero(t, p.TotalBytesReceived())
	}
	assert.Empty(t, parties[1].Intersection())
}

func TestThresholds(t *testing.T) {
	cases := []struct {
		threshold int
		want      map[ElementType]int
	}{
		{1, map[ElementType]int{5: 2, 9: 2, 12: 1}},
		{2, map[ElementType]int{5: 2, 9: 2}},
		{3, map[ElementType]int{}},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("T=%d", c.threshold), func(t *testing.T) {
			rp := smallRing
			rp.threshold = c.threshold
			parties := newRing(t, rp, serverSet, aliceSet, bobSet)
			assert.Equal(t, c.want, executeAll(t, parties))
		})
	}
}

func TestConcurrencyLevels(t *testing.T) {
	var results []map[ElementType]int
	var traffic [][]uint64
	for _, c := range []int{1, 3} {
		rp := smallRing
		rp.concurrency = c
		parties := newRing(t, rp, serverSet, aliceSet, bobSet)
		results = append(results, executeAll(t, parties))

		var sent []uint64
		for _, p := range parties {
			sent = append(sent, p.TotalBytesSent(), p.TotalBytesReceived())
		}
		traffic = append(traffic, sent)
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, traffic[0], traffic[1])
}

func TestRepeatedExecution(t *testing.T) {
	parties := newRing(t, smallRing, serverSet, aliceSet, bobSet)
	first := executeAll(t, parties)
	sent := parties[0].TotalBytesSent()

	assert.Equal(t, first, executeAll(t, parties))
	assert.Equal(t, sent, parties[0].TotalBytesSent(), "counters restart every execution")

	// Alice now holds 12 as well, which fills its lonely slot.
	require.NoError(t, parties[1].ChangeElementSet([]ElementType{5, 7, 12}))
	assert.Equal(t, map[ElementType]int{5: 2, 9: 2, 12: 2}, executeAll(t, parties))
}

func TestRandomSets(t *testing.T) {
	rp := ringParams{threshold: 2, concurrency: 2, bloomSize: 128, seeds: []uint32{11, 22, 33}}
	sets := make([][]ElementType, 4)
	for i := range sets {
		rng := NewSeededRNG(uint32(100 + i))
		seen := make(map[ElementType]bool)
		for len(sets[i]) < 12 {
			e := rng.Uint64n(30)
			if !seen[e] {
				seen[e] = true
				sets[i] = append(sets[i], e)
			}
		}
	}

	parties := newRing(t, rp, sets...)
	assert.Equal(t, expectedIntersection(rp, sets), executeAll(t, parties))
}

// TestTrafficCounters samples the counters after every phase of a round.
func TestTrafficCounters(t *testing.T) {
	parties := newRing(t, smallRing, serverSet, aliceSet, bobSet)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	index := make(map[*Participant]int)
	for i, p := range parties {
		index[p] = i
	}
	samples := make([][][2]uint64, len(parties))
	require.NoError(t, forAll(parties, func(p *Participant) error {
		ex := &execution{}
		phases := []func() error{
			func() error { return p.prepare(ctx, ex) },
			func() error { return p.role.ringLatency(ctx, false) },
			func() error { return p.role.ringPass(ctx, ex) },
			func() error { return p.role.findIntersection(ctx, ex) },
		}
		p.endpoint.ResetCounters()
		for _, phase := range phases {
			if err := phase(); err != nil {
				return err
			}
			samples[index[p]] = append(samples[index[p]], [2]uint64{p.TotalBytesSent(), p.TotalBytesReceived()})
		}
		return nil
	}))

	for i, s := range samples {
		require.Len(t, s, 4)
		for j := 1; j < len(s); j++ {
			assert.GreaterOrEqual(t, s[j][0], s[j-1][0], "party %d sent, phase %d", i, j)
			assert.GreaterOrEqual(t, s[j][1], s[j-1][1], "party %d received, phase %d", i, j)
		}
		assert.NotZero(t, s[3][0])
	}

	// A full execution starts again from zero and moves the same bytes.
	executeAll(t, parties)
	for i, p := range parties {
		assert.Equal(t, samples[i][3], [2]uint64{p.TotalBytesSent(), p.TotalBytesReceived()}, "party %d", i)
	}
}

// TestRingPass checks what comes back to the server: every slot must carry the
// vote base raised to q once per party that has no element there.
func TestRingPass(t *testing.T) {
	parties := newRing(t, smallRing, serverSet, aliceSet, bobSet)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	executions := make(map[*Participant]*execution)
	for _, p := range parties {
		executions[p] = &execution{}
	}
	require.NoError(t, forAll(parties, func(p *Participant) error {
		ex := executions[p]
		if err := p.prepare(ctx, ex); err != nil {
			return err
		}
		return p.role.ringPass(ctx, ex)
	}))

	server := parties[0]
	ex := executions[server]
	require.Len(t, ex.bases, int(smallRing.bloomSize))
	for i := range ex.bases {
		absent := int64(0)
		for _, p := range parties {
			if p.bf.CheckPosition(uint64(i)) {
				absent++
			}
		}
		e := new(big.Int).Exp(toyQ, big.NewInt(absent), nil)
		want := new(big.Int).Exp(ex.voteBase, e, toyP)

		shares := make([]*big.Int, len(parties))
		for j, p := range parties {
			shares[j] = p.PartialDecrypt(ex.bases[i].C1)
		}
		assert.Equal(t, 0, want.Cmp(server.FullyDecrypt(shares, ex.bases[i].C2)), "slot %d", i)
	}
}

// #############################################################################

func TestExtractCount(t *testing.T) {
	for _, threshold := range []int{1, 2, 3} {
		p := &Participant{
			KeyHolder: NewKeyHolder(toyP, toyAlpha, toyFactors),
			opts:      Options{NumParties: 3, Threshold: threshold, Q: toyQ, HashSeeds: []uint32{1, 2, 3}},
		}
		levels := p.levels()
		e := new(big.Int).Exp(toyQ, big.NewInt(int64(levels)), nil)
		e.Div(new(big.Int).Sub(toyP, one), e)
		voteBase := new(big.Int).Exp(toyAlpha, e, toyP)
		table := p.decodeTable(voteBase)

		// Every combination of holders over three slots.
		for h0 := 0; h0 <= 3; h0++ {
			for h1 := 0; h1 <= 3; h1++ {
				for h2 := 0; h2 <= 3; h2++ {
					v := big.NewInt(1)
					fewest := 3
					for _, h := range []int{h0, h1, h2} {
						x := new(big.Int).Exp(toyQ, big.NewInt(int64(3-h)), nil)
						v.Mul(v, new(big.Int).Exp(voteBase, x, toyP)).Mod(v, toyP)
						if h < fewest {
							fewest = h
						}
					}
					want := 0
					if fewest >= threshold {
						want = fewest
					}
					assert.Equal(t, want, p.ExtractCount(v, table), "T=%d holders=%d,%d,%d", threshold, h0, h1, h2)
				}
			}
		}

		assert.Zero(t, p.ExtractCount(big.NewInt(1), table))

		// Values outside the subgroup of order q^levels never reach 1.
		assert.Zero(t, p.ExtractCount(toyAlpha, table))
		outside := new(big.Int).Mul(voteBase, toyAlpha)
		assert.Zero(t, p.ExtractCount(outside.Mod(outside, toyP), table))
	}
}

// #############################################################################

func TestParticipantStates(t *testing.T) {
	rp := smallRing
	rp.threshold = 1
	opts := ringOptions(t, rp, 2)
	opts[0].BootstrapTimeout = 300 * time.Millisecond

	p, err := NewParticipant(opts[0], serverSet)
	require.NoError(t, err)
	defer p.Stop()
	assert.Equal(t, RoleServer, p.Role())
	assert.Equal(t, StateUninitialized, p.State())

	ctx := context.Background()
	_, err = p.Execute(ctx, false)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Nobody joins the ring.
	assert.ErrorIs(t, p.Initialize(ctx), ErrBootstrapTimeout)
	assert.Equal(t, StateStopped, p.State())
	assert.ErrorIs(t, p.Initialize(ctx), ErrInvalidState)

	require.NoError(t, p.ChangeElementSet([]ElementType{1, 2}))

	p.Stop()
	p.Stop()
	assert.Equal(t, StateStopped, p.State())
	_, err = p.Execute(ctx, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFailedExecutionStops(t *testing.T) {
	rp := smallRing
	rp.threshold = 1
	parties := newRing(t, rp, serverSet, aliceSet)
	server := parties[0]

	// The client never joins this round.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := server.Execute(ctx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, server.State())

	_, err = server.Execute(context.Background(), false)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateReady, parties[1].State())
}

func TestNewParticipantRejectsInvalidOptions(t *testing.T) {
	opts := ringOptions(t, smallRing, 3)
	o := opts[1]
	o.Threshold = 0
	_, err := NewParticipant(o, aliceSet)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
