// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package flintd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "flintd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "flintd.log"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	// defaultHeadersPerSecond is the minimum header sync rate before the
	// serving peer is replaced.
	defaultHeadersPerSecond = 10000

	// defaultBlocksPerMinute is the minimum block sync rate before the
	// serving peer is replaced.
	defaultBlocksPerMinute = 100

	// defaultQuorum is the number of peers that must independently
	// complete the block download before initial sync is declared done.
	defaultQuorum = 3

	// defaultSyncPeers is the number of concurrent block sync
	// connections.
	defaultSyncPeers = 8

	// defaultBlockBatchSize is the number of blocks requested per
	// getdata message.
	defaultBlockBatchSize = 500

	// maxBlockBatchSize matches the wire limit on inventory vectors per
	// message.
	maxBlockBatchSize = 50000
)

var (
	defaultFlintdDir  = btcutil.AppDataDir("flintd", false)
	defaultConfigFile = filepath.Join(defaultFlintdDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultFlintdDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultFlintdDir, defaultLogDirname)
)

// Config defines the configuration options for flintd.
//
// See LoadConfig for further details regarding the configuration loading
// and parsing process.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store flintd's data within"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`

	ConnectPeers []string `long:"connect" description:"Connect to the specified peer at startup (may be repeated)"`
	NoDNSSeed    bool     `long:"nodnsseed" description:"Disable DNS seeding for peers"`

	HeadersPerSecond uint32 `long:"headerspersecond" description:"Minimum header sync rate in headers/second before the serving peer is replaced"`
	BlocksPerMinute  uint32 `long:"blocksperminute" description:"Minimum block sync rate in blocks/minute before a serving peer is replaced"`
	Quorum           uint32 `long:"quorum" description:"Number of peers that must independently complete the block download before initial sync is declared done"`
	SyncPeers        int    `long:"syncpeers" description:"Number of concurrent block sync connections"`
	BlockBatchSize   int    `long:"blockbatchsize" description:"Number of blocks requested per getdata message"`

	MetricsListen string `long:"metricslisten" description:"Address to serve Prometheus metrics on (disabled when empty)"`

	// params is the active network resolved during validation.
	params *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile:       defaultConfigFile,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		MaxLogFiles:      defaultMaxLogFiles,
		MaxLogFileSize:   defaultMaxLogFileSize,
		DebugLevel:       defaultLogLevel,
		HeadersPerSecond: defaultHeadersPerSecond,
		BlocksPerMinute:  defaultBlocksPerMinute,
		Quorum:           defaultQuorum,
		SyncPeers:        defaultSyncPeers,
		BlockBatchSize:   defaultBlockBatchSize,
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("flintd version %s\n", Version())
		os.Exit(0)
	}

	// Next, load any additional configuration options from the file.
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		// Only a missing default config file is tolerated.
		if _, ok := err.(*os.PathError); !ok ||
			preCfg.ConfigFile != defaultConfigFile {

			return nil, err
		}
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	return &cfg, cfg.validate()
}

// validate checks the parsed options for consistency and resolves the
// network-dependent paths.
func (cfg *Config) validate() error {
	params, err := netParams(cfg)
	if err != nil {
		return err
	}
	cfg.params = params

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if cfg.Quorum < 1 {
		return fmt.Errorf("quorum must be at least 1, got %d",
			cfg.Quorum)
	}
	if cfg.SyncPeers < 1 {
		return fmt.Errorf("syncpeers must be at least 1, got %d",
			cfg.SyncPeers)
	}
	if cfg.BlockBatchSize < 1 || cfg.BlockBatchSize > maxBlockBatchSize {
		return fmt.Errorf("blockbatchsize must be between 1 and %d, "+
			"got %d", maxBlockBatchSize, cfg.BlockBatchSize)
	}
	if cfg.HeadersPerSecond == 0 || cfg.BlocksPerMinute == 0 {
		return fmt.Errorf("minimum sync rates must be positive")
	}

	// Append the network name to the data and log directories so they
	// are network specific.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		params.Name)

	return nil
}

// Params returns the chain parameters of the network the config selected.
func (cfg *Config) Params() *chaincfg.Params {
	return cfg.params
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
