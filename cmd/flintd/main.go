package main

import (
	"fmt"
	"os"

	"github.com/flintlabs/flintd"
	"github.com/flintlabs/flintd/signal"
	flags "github.com/jessevdk/go-flags"
)

func main() {
	cfg, err := flintd.LoadConfig()
	if err != nil {
		// Help was printed by the flags package already.
		var flagErr *flags.Error
		if e, ok := err.(*flags.Error); ok {
			flagErr = e
		}
		if flagErr != nil && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Hook interrupt signals and shutdown requests.
	interceptor, err := signal.Intercept()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := flintd.Main(cfg, interceptor); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
