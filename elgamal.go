package main

import (
	"fmt"
	"math/big"

	"lukechampine.com/frand"
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

const maxGeneratorAttempts = 1024

// #############################################################################

// NewKeyHolder draws a fresh secret exponent and publishes beta = alpha^sk.
// factors must be the distinct prime factors of p-1.
func NewKeyHolder(p, alpha *big.Int, factors []*big.Int) KeyHolder {
	k := KeyHolder{
		p:       new(big.Int).Set(p),
		alpha:   new(big.Int).Set(alpha),
		factors: factors,
	}
	k.sk = k.randomExponent()
	k.beta = new(big.Int).Exp(k.alpha, k.sk, k.p)
	return k
}

// randomExponent is uniform in [1, p-2].
func (k *KeyHolder) randomExponent() *big.Int {
	bound := new(big.Int).Sub(k.p, two)
	r := frand.BigIntn(bound)
	return r.Add(r, one)
}

// Beta returns the operative key-share value. After key setup it is the joint
// public key, identical on every participant.
func (k *KeyHolder) Beta() *big.Int {
	return new(big.Int).Set(k.beta)
}

// #############################################################################

func (k *KeyHolder) Encrypt(ret *Ciphertext, m *big.Int) {
	r := k.randomExponent()
	c1 := new(big.Int).Exp(k.alpha, r, k.p)
	c2 := new(big.Int).Exp(k.beta, r, k.p)
	c2.Mul(c2, m)
	c2.Mod(c2, k.p)
	ret.C1, ret.C2 = c1, c2
}

func (k *KeyHolder) EncryptOne(ret *Ciphertext) {
	k.Encrypt(ret, one)
}

func (k *KeyHolder) PartialDecrypt(c1 *big.Int) *big.Int {
	return new(big.Int).Exp(c1, k.sk, k.p)
}

// FullyDecrypt removes every participant's share from c2. It needs the shares
// of all participants, its own included.
func (k *KeyHolder) FullyDecrypt(shares []*big.Int, c2 *big.Int) *big.Int {
	denom := big.NewInt(1)
	for _, s := range shares {
		denom.Mul(denom, s)
		denom.Mod(denom, k.p)
	}
	denom.ModInverse(denom, k.p)
	return denom.Mul(denom, c2).Mod(denom, k.p)
}

// Mul multiplies the plaintexts of a and b. ret may alias either input.
func (k *KeyHolder) Mul(ret, a, b *Ciphertext) {
	c1 := new(big.Int).Mul(a.C1, b.C1)
	c1.Mod(c1, k.p)
	c2 := new(big.Int).Mul(a.C2, b.C2)
	c2.Mod(c2, k.p)
	ret.C1, ret.C2 = c1, c2
}

// Power raises the plaintext of a to e. ret may alias a.
func (k *KeyHolder) Power(ret, a *Ciphertext, e *big.Int) {
	c1 := new(big.Int).Exp(a.C1, e, k.p)
	c2 := new(big.Int).Exp(a.C2, e, k.p)
	ret.C1, ret.C2 = c1, c2
}

// #############################################################################

func IsGenerator(g, p *big.Int, factors []*big.Int) bool {
	if g.Sign() <= 0 || g.Cmp(p) >= 0 {
		return false
	}
	pMinus1 := new(big.Int).Sub(p, one)
	var e, t big.Int
	for _, f := range factors {
		e.Div(pMinus1, f)
		if t.Exp(g, &e, p).Cmp(one) == 0 {
			return false
		}
	}
	return true
}

func (k *KeyHolder) RandomGenerator(attempts int) (*big.Int, error) {
	for i := 0; i < attempts; i++ {
		g := frand.BigIntn(k.p)
		if IsGenerator(g, k.p, k.factors) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrNoGenerator, attempts)
}

// #############################################################################

// BytesFromInt writes n big-endian, left padded to width bytes.
func BytesFromInt(buf []byte, n *big.Int) error {
	if n.Sign() < 0 || (n.BitLen()+7)/8 > len(buf) {
		return fmt.Errorf("%w: %d bits into %d bytes", ErrFieldOverflow, n.BitLen(), len(buf))
	}
	n.FillBytes(buf)
	return nil
}

func IntFromBytes(buf []byte) *big.Int {
	return new(big.Int).SetBytes(buf)
}

func (c *Ciphertext) String() string {
	return c.C1.Text(16) + "," + c.C2.Text(16)
}
