package main

import (
	"fmt"
	"strconv"
	"strings"

	omemo "github.com/omemo-im/omemo-go"
)

type identitiesCommand struct{}

func (cmd *identitiesCommand) Execute(args []string) error {
	m := openManager()
	defer m.Close()

	fps, err := m.Fingerprints()
	if err != nil {
		return err
	}
	if len(fps) == 0 {
		fmt.Println("No peer identities recorded.")
		return nil
	}
	for _, fp := range fps {
		fmt.Printf("%4d  %-30s %-12s %s  (first seen %s)\n",
			fp.RecordID, fp.Address, fp.Trust, fp.Fingerprint,
			fp.FirstSeen.Format("2006-01-02"))
	}
	return nil
}

type trustCommand struct {
	Args struct {
		RecordID int64  `positional-arg-name:"record-id" required:"true"`
		State    string `positional-arg-name:"state" required:"true" description:"trusted, not-trusted or verified"`
	} `positional-args:"true"`
}

func (cmd *trustCommand) Execute(args []string) error {
	state, err := parseTrustState(cmd.Args.State)
	if err != nil {
		return err
	}

	m := openManager()
	defer m.Close()

	if err := m.SetTrust(cmd.Args.RecordID, state); err != nil {
		return err
	}
	fmt.Printf("Record %d is now %s.\n", cmd.Args.RecordID, state)
	return nil
}

func parseTrustState(s string) (omemo.TrustState, error) {
	switch strings.ToLower(s) {
	case "trusted":
		return omemo.Trusted, nil
	case "not-trusted", "untrusted":
		return omemo.NotTrusted, nil
	case "verified":
		return omemo.Verified, nil
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return 0, fmt.Errorf("use a state name, not %d", n)
		}
		return 0, fmt.Errorf("unknown trust state %q", s)
	}
}
