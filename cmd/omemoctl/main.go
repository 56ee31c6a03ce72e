// Command omemoctl inspects and manages an encryption store.
//
// Usage:
//
//	omemoctl -a alice@example --db store.db fingerprint [--qr]
//	omemoctl -a alice@example --db store.db identities
//	omemoctl -a alice@example --db store.db trust <record-id> <state>
//	omemoctl -a alice@example --db store.db devices
//	omemoctl -a alice@example --db store.db reset <address> <device-id>
//	omemoctl -a alice@example --db store.db prekeys [--generate N]
package main

import (
	"fmt"
	"log/slog"
	"os"

	flags "github.com/jessevdk/go-flags"

	omemo "github.com/omemo-im/omemo-go"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file" required:"true"`
	Account string `short:"a" long:"account" description:"Account address (e.g. alice@example.com)" required:"true"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Fingerprint fingerprintCommand `command:"fingerprint" description:"Show own identity fingerprint"`
	Identities  identitiesCommand  `command:"identities" description:"List known peer identities and trust states"`
	Trust       trustCommand       `command:"trust" description:"Set the trust state of an identity record"`
	Devices     devicesCommand     `command:"devices" description:"List devices we hold sessions with"`
	Reset       resetCommand       `command:"reset" description:"Discard the session with one device"`
	PreKeys     preKeysCommand     `command:"prekeys" description:"Show or replenish the one-time prekey pool"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func openManager() *omemo.Manager {
	var mopts []omemo.Option
	if opts.Verbose {
		mopts = append(mopts, omemo.WithLogger(
			slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	} else {
		mopts = append(mopts, omemo.WithLogger(
			slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))))
	}

	m, err := omemo.New(opts.Account, opts.DB, mopts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return m
}
