// Command walctl is a small operational tool for inspecting and
// checkpointing a walcore database directory from the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sqlreplica/walcore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "checkpoint":
		runCheckpoint(os.Args[2:])
	case "info":
		runInfo(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: walctl <checkpoint|info> -dir <path>")
}

func runCheckpoint(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	fs.Parse(args)

	if *dir == "" {
		log.Fatal("checkpoint: -dir is required")
	}

	db, err := walcore.Open(*dir)
	if err != nil {
		log.Fatalf("opening %s: %v", *dir, err)
	}
	defer db.Close(context.Background())

	frameNo, applied, err := db.Checkpoint(context.Background())
	if err != nil {
		log.Fatalf("checkpoint: %v", err)
	}
	fmt.Printf("checkpointed through frame %d (applied: %v)\n", frameNo, applied)
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	fs.Parse(args)

	if *dir == "" {
		log.Fatal("info: -dir is required")
	}

	db, err := walcore.Open(*dir)
	if err != nil {
		log.Fatalf("opening %s: %v", *dir, err)
	}
	defer db.Close(context.Background())

	fmt.Printf("log_id:            %s\n", db.LogID())
	fmt.Printf("durable_frame_no:  %d\n", db.DurableFrameNo())
}
