package main

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// #############################################################################

// bootstrap waits for every client, then closes the ring by connecting to the
// first client.
func (s *Server) bootstrap(ctx context.Context) error {
	p := s.p
	c := p.opts.ConcurrencyLevel

	if err := p.waitForChannels(ctx, p.opts.NumParties*c); err != nil {
		return err
	}
	if err := p.connectAll(ctx, rightNeighborName, p.opts.RightNeighborAddress, leftNeighborName); err != nil {
		return err
	}
	if err := p.waitForChannels(ctx, (p.opts.NumParties+1)*c); err != nil {
		return err
	}
	p.endpoint.StopListen()
	return nil
}

// keySetup multiplies every party's beta into the joint key and sends it back.
func (s *Server) keySetup(ctx context.Context) error {
	p := s.p
	betas, err := p.collectInts(ctx, 0)
	if err != nil {
		return err
	}

	joint := p.Beta()
	for _, b := range betas {
		joint.Mul(joint, b)
		joint.Mod(joint, p.p)
	}
	p.beta = joint

	return p.broadcastInt(ctx, p.beta, 0)
}

// #############################################################################

func (s *Server) prepare(ctx context.Context, ex *execution) error {
	defer Timer(time.Now(), s.p.log, "prepare")
	p := s.p
	q := p.opts.Q

	g, err := p.RandomGenerator(maxGeneratorAttempts)
	if err != nil {
		return err
	}

	// vote base = g^((p-1)/q^levels), of order q^levels
	power := new(big.Int).Exp(q, big.NewInt(int64(p.levels())), nil)
	power.Div(new(big.Int).Sub(p.p, one), power)
	ex.voteBase = g.Exp(g, power, p.p)
	absentBase := new(big.Int).Exp(ex.voteBase, q, p.p)

	ex.bases = make([]Ciphertext, p.bf.Size())
	pool := p.pool(len(ex.bases), "[1/2] Encrypting bases")
	if err := pool.Run(p.encryptBasesWorker(ctx, ex.bases, ex.voteBase, absentBase)); err != nil {
		return err
	}

	ex.rerand = make([]Ciphertext, len(ex.elements))
	pool = p.pool(len(ex.rerand), "[2/2] Encrypting ones")
	if err := pool.Run(p.encryptOnesWorker(ctx, ex.rerand)); err != nil {
		return err
	}

	ex.table = p.decodeTable(ex.voteBase)
	return nil
}

func (s *Server) ringLatency(ctx context.Context, print bool) error {
	p := s.p
	start := time.Now()
	dummy := make([]byte, 2)
	if err := p.endpoint.Write(ctx, channelName(rightNeighborName, 0), dummy); err != nil {
		return err
	}
	if err := p.endpoint.Read(ctx, channelName(leftNeighborName, 0), dummy); err != nil {
		return err
	}

	elapsed := time.Since(start)
	p.log.Printf("ring latency=%s\n", elapsed)
	if print {
		fmt.Printf("Ring Latency: %dms\n", elapsed.Milliseconds())
	}
	return nil
}

// ringPass sends the encrypted bases around the ring and keeps what comes back.
func (s *Server) ringPass(ctx context.Context, ex *execution) error {
	defer Timer(time.Now(), s.p.log, "ring pass")
	p := s.p
	pool := p.pool(len(ex.bases), "[1/1] Ring pass")
	return pool.Run(func(part Partition) error {
		for i := part.Start; i < part.End; i++ {
			if err := p.sendCiphertext(ctx, rightNeighborName, &ex.bases[i], part.Worker); err != nil {
				return err
			}
		}
		for i := part.Start; i < part.End; i++ {
			if err := p.receiveCiphertext(ctx, leftNeighborName, &ex.bases[i], part.Worker); err != nil {
				return err
			}
			part.Progress()
		}
		return nil
	})
}

// #############################################################################

func (s *Server) findIntersection(ctx context.Context, ex *execution) error {
	defer Timer(time.Now(), s.p.log, "find intersection")
	p := s.p
	n := len(ex.elements)

	tests := make([]Ciphertext, n)
	pool := p.pool(n, "[1/3] Membership tests")
	if err := pool.Run(p.membershipTestWorker(ctx, ex, tests)); err != nil {
		return err
	}

	// Clients decrypt as many tests as the server holds elements.
	if err := p.broadcastInt(ctx, big.NewInt(int64(n)), 0); err != nil {
		return err
	}

	decrypted := make([]*big.Int, n)
	pool = p.pool(n, "[2/3] Mutual decryption")
	err := pool.Run(func(part Partition) error {
		for i := part.Start; i < part.End; i++ {
			d, err := s.mutualDecrypt(ctx, &tests[i], part.Worker)
			if err != nil {
				return err
			}
			decrypted[i] = d
			part.Progress()
		}
		return nil
	})
	if err != nil {
		return err
	}

	pool = p.pool(n, "[3/3] Extracting counts")
	ex.result, err = RunCollect(pool, p.decodeWorker(ctx, ex, decrypted))
	if err != nil {
		return err
	}
	p.log.Printf("intersection size=%d / tested=%d\n", len(ex.result), n)
	return nil
}

// mutualDecrypt gathers a decryption share of c from every party.
func (s *Server) mutualDecrypt(ctx context.Context, c *Ciphertext, channel int) (*big.Int, error) {
	p := s.p
	if err := p.broadcastInt(ctx, c.C1, channel); err != nil {
		return nil, err
	}

	shares := make([]*big.Int, 0, p.opts.NumParties)
	shares = append(shares, p.PartialDecrypt(c.C1))
	others, err := p.collectInts(ctx, channel)
	if err != nil {
		return nil, err
	}
	shares = append(shares, others...)

	return p.FullyDecrypt(shares, c.C2), nil
}
