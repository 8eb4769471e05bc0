// Package pevmcfg loads the executor's tunables from a TOML file, the way
// go-ethereum's node config is assembled from a TOML-decoded struct before
// the services it describes are constructed.
package pevmcfg

import (
	"fmt"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config holds the thresholds that decide how a block is executed and how
// many workers a parallel run uses.
type Config struct {
	// ConcurrencyLevel is the number of worker goroutines a parallel
	// execution spawns. Zero means use runtime.GOMAXPROCS(0).
	ConcurrencyLevel int `toml:"concurrency_level"`
	// GasThreshold is the minimum gas used a block must report before
	// parallel execution is even considered; smaller blocks are cheaper
	// to simply run sequentially than to coordinate a worker pool for.
	GasThreshold uint64 `toml:"gas_threshold"`
	// TxCountThreshold is the minimum transaction count a block must have
	// before parallel execution is considered.
	TxCountThreshold int `toml:"tx_count_threshold"`
	// MVMShardCount is decoded from the file but not read by the
	// executor: the multi-version memory always divides the location space
	// into 64 shards, whatever value is set here.
	MVMShardCount int `toml:"mvm_shard_count"`
}

// DefaultGasThreshold matches the upstream engine's own hardcoded
// threshold below which parallelizing a block isn't worth the
// coordination overhead.
const DefaultGasThreshold = 4_000_000

// Default returns a Config with the engine's built-in defaults:
// concurrency pinned to the number of available CPUs and the standard gas
// and transaction-count thresholds.
func Default() Config {
	return Config{
		ConcurrencyLevel: runtime.GOMAXPROCS(0),
		GasThreshold:     DefaultGasThreshold,
		TxCountThreshold: runtime.GOMAXPROCS(0),
	}
}

// Load reads and decodes a Config from a TOML file at path. Fields absent
// from the file keep their built-in defaults; a concurrency_level of zero
// or less becomes runtime.GOMAXPROCS(0), and a tx_count_threshold of zero
// or less becomes the resulting concurrency level.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("pevmcfg: decoding %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("pevmcfg: %s: unrecognized keys: %v", path, undecoded)
	}
	if cfg.ConcurrencyLevel <= 0 {
		cfg.ConcurrencyLevel = runtime.GOMAXPROCS(0)
	}
	if cfg.TxCountThreshold <= 0 {
		cfg.TxCountThreshold = cfg.ConcurrencyLevel
	}
	return cfg, nil
}
