package main

import (
	"context"
	"math/big"
)

// #############################################################################

// encryptBasesWorker encrypts the vote base for every slot of the range, or its
// q-th power where the server's inverted filter flags the slot.
func (p *Participant) encryptBasesWorker(ctx context.Context, bases []Ciphertext, voteBase, absentBase *big.Int) WorkerFunc {
	return func(part Partition) error {
		for i := part.Start; i < part.End; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			m := voteBase
			if p.bf.CheckPosition(uint64(i)) {
				m = absentBase
			}
			p.Encrypt(&bases[i], m)
			part.Progress()
		}
		return nil
	}
}

// encryptOnesWorker fills out with fresh encryptions of 1.
func (p *Participant) encryptOnesWorker(ctx context.Context, out []Ciphertext) WorkerFunc {
	return func(part Partition) error {
		for i := part.Start; i < part.End; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.EncryptOne(&out[i])
			part.Progress()
		}
		return nil
	}
}

// membershipTestWorker multiplies the voted bases at the slots of each element
// and rerandomises the product.
func (p *Participant) membershipTestWorker(ctx context.Context, ex *execution, tests []Ciphertext) WorkerFunc {
	return func(part Partition) error {
		for i := part.Start; i < part.End; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			positions := HashPositions(ex.elements[i], p.bf.Size(), p.opts.HashSeeds)
			t := ex.bases[positions[0]]
			for _, pos := range positions[1:] {
				p.Mul(&t, &t, &ex.bases[pos])
			}
			p.Mul(&tests[i], &t, &ex.rerand[i])
			part.Progress()
		}
		return nil
	}
}

func (p *Participant) decodeWorker(ctx context.Context, ex *execution, decrypted []*big.Int) func(Partition) ([]IntersectionEntry, error) {
	return func(part Partition) ([]IntersectionEntry, error) {
		var out []IntersectionEntry
		for i := part.Start; i < part.End; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if cnt := p.ExtractCount(decrypted[i], ex.table); cnt != 0 {
				out = append(out, IntersectionEntry{cnt, ex.elements[i]})
			}
			part.Progress()
		}
		return out, nil
	}
}

// #############################################################################

// decodeTable returns the factors ExtractCount divides out: entry j-1 inverts
// voteBase^(q^(levels-j)), the slot a round with j steps has found.
func (p *Participant) decodeTable(voteBase *big.Int) []*big.Int {
	table := make([]*big.Int, p.levels())
	t := new(big.Int).Set(voteBase)
	for i := len(table) - 1; i >= 0; i-- {
		table[i] = new(big.Int).ModInverse(t, p.p)
		t.Exp(t, p.opts.Q, p.p)
	}
	return table
}

// ExtractCount recovers how many parties hold the element behind a decrypted
// membership test, or 0 if fewer than threshold do.
//
// Each of the k rounds counts the q-powers needed to reach 1. That count
// identifies the slot with the fewest absence votes left in the product, which
// the table entry then divides out. The last count belongs to the slot with the
// most absence votes, i.e. the fewest holders.
func (p *Participant) ExtractCount(v *big.Int, table []*big.Int) int {
	levels := p.levels()
	cur := new(big.Int).Set(v)
	var t big.Int
	cnt := 0
	for round := 0; round < len(p.opts.HashSeeds); round++ {
		cnt = 0
		t.Set(cur)
		for t.Cmp(one) != 0 {
			if cnt == levels {
				return 0
			}
			t.Exp(&t, p.opts.Q, p.p)
			cnt++
		}
		if cnt == 0 {
			return 0
		}
		cur.Mul(cur, table[cnt-1])
		cur.Mod(cur, p.p)
	}
	return p.opts.Threshold + cnt - 1
}
