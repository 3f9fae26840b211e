package flintd

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// netParams returns the chain parameters for the network selected by the
// config, or an error when more than one network is requested.
func netParams(cfg *Config) (*chaincfg.Params, error) {
	numNets := 0
	params := &chaincfg.MainNetParams

	if cfg.TestNet3 {
		numNets++
		params = &chaincfg.TestNet3Params
	}
	if cfg.RegTest {
		numNets++
		params = &chaincfg.RegressionNetParams
	}
	if cfg.SimNet {
		numNets++
		params = &chaincfg.SimNetParams
	}

	if numNets > 1 {
		return nil, fmt.Errorf("the testnet, regtest and simnet " +
			"params can't be used together -- choose one of the " +
			"three")
	}

	return params, nil
}
