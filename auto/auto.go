// Package auto patches the calling process as soon as it is imported:
//
//	import _ "github.com/pkujhd/kpac/auto"
//
// Import it from the main package before anything that starts goroutines or
// calls into foreign code. Configuration comes from the KPAC_* environment
// variables; any failure is fatal.
package auto

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/pkujhd/kpac"
)

func init() {
	if err := run(); err != nil {
		log.WithError(err).Error("kpac")
		os.Exit(1)
	}
}

func run() error {
	log.SetHandler(text.New(os.Stderr))
	cfg, err := kpac.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	e, err := kpac.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.Run()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"objects":  len(res.Objects),
		"routines": res.Routines,
		"elapsed":  res.Elapsed,
	}).Debug("done")
	return nil
}
