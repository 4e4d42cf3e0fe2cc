package main

import (
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/viper"
)

const defaultBootstrapTimeout = 2 * time.Minute

// #############################################################################

// LoadConfig reads an experiment configuration. The format follows the file
// extension (json, yaml, toml).
func LoadConfig(fpath string) (*ExperimentConfig, error) {
	v := viper.New()
	v.SetConfigFile(fpath)
	v.SetDefault("bootstrapTimeout", defaultBootstrapTimeout)
	v.SetDefault("benchmarkRounds", 1)
	v.SetDefault("concurrencyLevel", 1)
	v.SetDefault("resultDir", "results")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", fpath, err)
	}
	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*ExperimentConfig, error) {
	var cfg ExperimentConfig
	var err error

	cfg.SetSize = v.GetInt("setSize")
	cfg.SameNum = v.GetInt("sameNum")
	cfg.SameSeed = v.GetUint32("sameSeed")
	cfg.DiffSeed = v.GetUint32("diffSeed")
	cfg.BenchmarkRounds = v.GetInt("benchmarkRounds")
	cfg.ResultDir = v.GetString("resultDir")
	cfg.Profile = v.GetBool("profile")

	opts := &cfg.Options
	opts.Role = RoleClient
	if v.GetBool("isServer") {
		opts.Role = RoleServer
	}
	opts.ID = v.GetInt("id")
	opts.NumParties = v.GetInt("numberOfParties")
	opts.Threshold = v.GetInt("threshold")
	opts.ConcurrencyLevel = v.GetInt("concurrencyLevel")

	opts.BloomFilterSize = v.GetUint64("bloomFilterSize")
	opts.FalsePositiveRate = v.GetFloat64("falsePositiveRate")
	opts.NumHashFunctions = v.GetInt("numberOfHashFunctions")
	for _, s := range v.GetIntSlice("murmurhashSeeds") {
		opts.HashSeeds = append(opts.HashSeeds, uint32(s))
	}
	if opts.BloomFilterSize == 0 {
		k := opts.NumHashFunctions
		if k == 0 {
			k = len(opts.HashSeeds)
		}
		opts.BloomFilterSize = OptimalBloomSize(cfg.SetSize, opts.FalsePositiveRate, k)
	}

	opts.Port = v.GetInt("port")
	opts.LocalName = v.GetString("localName")
	opts.ServerAddress = v.GetString("serverAddress")
	opts.RightNeighborAddress = v.GetString("rightNeighborAddress")
	opts.PartyList = v.GetStringSlice("allParties")
	opts.BootstrapTimeout = v.GetDuration("bootstrapTimeout")

	if opts.P, err = ParseBigInt("p", v.GetString("p")); err != nil {
		return nil, err
	}
	if opts.Q, err = ParseBigInt("q", v.GetString("q")); err != nil {
		return nil, err
	}
	if opts.Alpha, err = ParseBigInt("alpha", v.GetString("alpha")); err != nil {
		return nil, err
	}
	opts.QPower = v.GetInt("qPower")
	for i, s := range v.GetStringSlice("phiPPrimeFactors") {
		f, err := ParseBigInt(fmt.Sprintf("phiPPrimeFactors[%d]", i), s)
		if err != nil {
			return nil, err
		}
		opts.PhiPPrimeFactors = append(opts.PhiPPrimeFactors, f)
	}
	opts.FieldBytes = v.GetInt("bufferSize")

	opts.LogFile = v.GetString("logFile")
	opts.ShowProgress = v.GetBool("progress")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ParseBigInt(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a decimal integer: %q", ErrInvalidConfig, field, s)
	}
	return n, nil
}

// #############################################################################

func (cfg *ExperimentConfig) Validate() error {
	if cfg.SetSize < 0 || cfg.SameNum < 0 || cfg.SameNum > cfg.SetSize {
		return invalid("sameNum", "must be within [0, setSize]")
	}
	if cfg.BenchmarkRounds < 1 {
		return invalid("benchmarkRounds", "must be at least 1")
	}
	return cfg.Options.Validate()
}

func (o *Options) Validate() error {
	switch {
	case o.NumParties < 2:
		return invalid("numberOfParties", "need at least 2 parties")
	case o.Threshold < 1 || o.Threshold > o.NumParties:
		return invalid("threshold", "must be within [1, numberOfParties]")
	case o.ID < 0 || o.ID >= o.NumParties:
		return invalid("id", "must be within [0, numberOfParties)")
	case (o.Role == RoleServer) != (o.ID == 0):
		return invalid("isServer", "the server must have id 0")
	case len(o.PartyList) != o.NumParties:
		return invalid("allParties", "must name every party")
	case o.ConcurrencyLevel < 1:
		return invalid("concurrencyLevel", "must be at least 1")
	case o.BloomFilterSize == 0:
		return invalid("bloomFilterSize", "must be positive")
	case len(o.HashSeeds) == 0:
		return invalid("murmurhashSeeds", "need at least one seed")
	case o.NumHashFunctions != 0 && o.NumHashFunctions != len(o.HashSeeds):
		return invalid("numberOfHashFunctions", "must match the number of seeds")
	case o.LocalName == "":
		return invalid("localName", "must be set")
	case o.RightNeighborAddress == "":
		return invalid("rightNeighborAddress", "must be set")
	case o.Role == RoleClient && o.ServerAddress == "":
		return invalid("serverAddress", "must be set for clients")
	}

	found := false
	for _, name := range o.PartyList {
		found = found || name == o.LocalName
	}
	if !found {
		return invalid("localName", "must appear in allParties")
	}

	return o.validateDomain()
}

func (o *Options) validateDomain() error {
	if o.P == nil || o.P.Cmp(big.NewInt(3)) < 0 || !o.P.ProbablyPrime(20) {
		return invalid("p", "must be an odd prime")
	}
	if o.Q == nil || o.Q.Cmp(one) <= 0 || !o.Q.ProbablyPrime(20) {
		return invalid("q", "must be a prime")
	}
	if o.Alpha == nil || o.Alpha.Sign() <= 0 || o.Alpha.Cmp(o.P) >= 0 {
		return invalid("alpha", "must be an element of Z_p^*")
	}

	pMinus1 := new(big.Int).Sub(o.P, one)
	levels := o.NumParties - o.Threshold + 1
	if o.QPower < levels {
		return invalid("qPower", fmt.Sprintf("must be at least numberOfParties-threshold+1 = %d", levels))
	}
	qPow := new(big.Int).Exp(o.Q, big.NewInt(int64(o.QPower)), nil)
	var rem big.Int
	if rem.Mod(pMinus1, qPow).Sign() != 0 {
		return invalid("qPower", "q^qPower must divide p-1")
	}

	if len(o.PhiPPrimeFactors) == 0 {
		return invalid("phiPPrimeFactors", "must list the prime factors of p-1")
	}
	// The factors must be exactly the distinct primes of p-1.
	hasQ := false
	left := new(big.Int).Set(pMinus1)
	var quo big.Int
	for _, f := range o.PhiPPrimeFactors {
		if f.Cmp(one) <= 0 || !f.ProbablyPrime(20) || rem.Mod(left, f).Sign() != 0 {
			return invalid("phiPPrimeFactors", f.String()+" is not a distinct prime factor of p-1")
		}
		for {
			quo.QuoRem(left, f, &rem)
			if rem.Sign() != 0 {
				break
			}
			left.Set(&quo)
		}
		hasQ = hasQ || f.Cmp(o.Q) == 0
	}
	if left.Cmp(one) != 0 {
		return invalid("phiPPrimeFactors", "p-1 has prime factors missing from the list")
	}
	if !hasQ {
		return invalid("phiPPrimeFactors", "must include q")
	}
	if o.Q.Cmp(big.NewInt(int64(len(o.HashSeeds)))) <= 0 {
		return invalid("q", "must exceed the number of hash functions")
	}

	if o.FieldBytes < (o.P.BitLen()+7)/8 {
		return invalid("bufferSize", fmt.Sprintf("need %d bytes for p", (o.P.BitLen()+7)/8))
	}
	return nil
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, reason)
}
