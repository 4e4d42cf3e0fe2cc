package main

import (
	"context"
	"time"
)

// #############################################################################

// bootstrap connects to the server and to the right neighbour, then waits for
// the left neighbour to connect back.
func (c *Client) bootstrap(ctx context.Context) error {
	p := c.p
	if err := p.connectAll(ctx, serverName, p.opts.ServerAddress, p.opts.LocalName); err != nil {
		return err
	}
	if err := p.connectAll(ctx, rightNeighborName, p.opts.RightNeighborAddress, leftNeighborName); err != nil {
		return err
	}
	if err := p.waitForChannels(ctx, 3*p.opts.ConcurrencyLevel); err != nil {
		return err
	}
	p.endpoint.StopListen()
	return nil
}

// keySetup sends the local beta to the server and adopts the joint key.
func (c *Client) keySetup(ctx context.Context) error {
	p := c.p
	if err := p.sendInt(ctx, serverName, p.beta, 0); err != nil {
		return err
	}
	joint, err := p.receiveInt(ctx, serverName, 0)
	if err != nil {
		return err
	}
	p.beta = joint
	return nil
}

// #############################################################################

// prepare draws one encryption of 1 per slot; each slot passing through is
// rerandomised with its own.
func (c *Client) prepare(ctx context.Context, ex *execution) error {
	defer Timer(time.Now(), c.p.log, "prepare")
	p := c.p
	ex.bases = make([]Ciphertext, p.bf.Size())
	ex.rerand = make([]Ciphertext, p.bf.Size())
	pool := p.pool(len(ex.rerand), "[1/1] Encrypting ones")
	return pool.Run(p.encryptOnesWorker(ctx, ex.rerand))
}

func (c *Client) ringLatency(ctx context.Context, print bool) error {
	p := c.p
	dummy := make([]byte, 2)
	if err := p.endpoint.Read(ctx, channelName(leftNeighborName, 0), dummy); err != nil {
		return err
	}
	return p.endpoint.Write(ctx, channelName(rightNeighborName, 0), dummy)
}

// ringPass votes on every slot coming from the left neighbour. The head holds
// its whole range back until it has received all of it, so the server is never
// sending and receiving on a full pipe at the same time.
func (c *Client) ringPass(ctx context.Context, ex *execution) error {
	defer Timer(time.Now(), c.p.log, "ring pass")
	p := c.p
	head := p.isHead()
	pool := p.pool(len(ex.bases), "[1/1] Ring pass")
	return pool.Run(func(part Partition) error {
		var t Ciphertext
		for i := part.Start; i < part.End; i++ {
			if err := p.receiveCiphertext(ctx, leftNeighborName, &t, part.Worker); err != nil {
				return err
			}
			if p.bf.CheckPosition(uint64(i)) {
				p.Power(&t, &t, p.opts.Q)
			}
			p.Mul(&t, &t, &ex.rerand[i])

			if head {
				ex.bases[i] = t
			} else if err := p.sendCiphertext(ctx, rightNeighborName, &t, part.Worker); err != nil {
				return err
			}
			part.Progress()
		}

		if head {
			for i := part.Start; i < part.End; i++ {
				if err := p.sendCiphertext(ctx, rightNeighborName, &ex.bases[i], part.Worker); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// #############################################################################

// findIntersection answers the server's decryption requests. The server first
// announces how many there will be.
func (c *Client) findIntersection(ctx context.Context, ex *execution) error {
	defer Timer(time.Now(), c.p.log, "find intersection")
	p := c.p
	n, err := p.receiveInt(ctx, serverName, 0)
	if err != nil {
		return err
	}

	pool := p.pool(int(n.Int64()), "[1/1] Mutual decryption")
	return pool.Run(func(part Partition) error {
		for i := part.Start; i < part.End; i++ {
			c1, err := p.receiveInt(ctx, serverName, part.Worker)
			if err != nil {
				return err
			}
			if err := p.sendInt(ctx, serverName, p.PartialDecrypt(c1), part.Worker); err != nil {
				return err
			}
			part.Progress()
		}
		return nil
	})
}
