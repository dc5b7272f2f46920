package main

import (
	"flag"
	"io"
	"os"

	"memlearn/internal/eval"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cmreport prints the confusion matrices of an evaluation log, read from the
// file argument or stdin.
func main() {
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var in io.Reader = os.Stdin
	if path := flag.Arg(0); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open log")
		}
		defer f.Close()
		in = f
	}

	entries, err := eval.ReadLog(in)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read log")
	}
	if err := eval.WriteReport(os.Stdout, entries); err != nil {
		log.Fatal().Err(err).Msg("Failed to write report")
	}
}
