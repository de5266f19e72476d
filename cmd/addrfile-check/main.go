package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/knapsack-labs/rowhammer/addrfile"
)

const (
	helpArg = "h"

	appName = "addrfile-check"
	usage   = appName + `
DESCRIPTION
  Validates an addresses file: one candidate per line, comma-separated
  hex fields, first field a label, last field a victim byte address
  (truncated to its row start), interior fields aggressor addresses.

USAGE
  ` + appName + ` PATH

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(helpArg, false, "Display this information")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		return fmt.Errorf("please specify a path to an addresses file")
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open addresses file - %w", err)
	}
	defer f.Close()

	candidates, err := addrfile.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse addresses file - %w", err)
	}

	for _, c := range candidates {
		fmt.Printf("line %d: %d aggressor(s), victim row start 0x%x\n", c.Line, len(c.Aggs), c.Victim)
	}
	fmt.Printf("%d candidate(s) valid\n", len(candidates))

	return nil
}
