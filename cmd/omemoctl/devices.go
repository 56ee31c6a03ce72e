package main

import "fmt"

type devicesCommand struct{}

func (cmd *devicesCommand) Execute(args []string) error {
	m := openManager()
	defer m.Close()

	sessions, err := m.Sessions()
	if err != nil {
		return err
	}
	fmt.Printf("Own device: %d\n", m.OwnDevice())
	if len(sessions) == 0 {
		fmt.Println("No peer sessions.")
		return nil
	}
	for _, addr := range sessions {
		fmt.Printf("  %s\n", addr)
	}
	return nil
}

type resetCommand struct {
	Args struct {
		Address  string `positional-arg-name:"address" required:"true"`
		DeviceID uint32 `positional-arg-name:"device-id" required:"true"`
	} `positional-args:"true"`
}

func (cmd *resetCommand) Execute(args []string) error {
	m := openManager()
	defer m.Close()

	if err := m.ResetSession(cmd.Args.Address, cmd.Args.DeviceID); err != nil {
		return err
	}
	fmt.Printf("Session with %s:%d discarded.\n", cmd.Args.Address, cmd.Args.DeviceID)
	return nil
}

type preKeysCommand struct {
	Generate int `long:"generate" short:"n" description:"Generate this many fresh one-time prekeys"`
}

func (cmd *preKeysCommand) Execute(args []string) error {
	m := openManager()
	defer m.Close()

	if cmd.Generate > 0 {
		if err := m.GeneratePreKeys(cmd.Generate); err != nil {
			return err
		}
		fmt.Printf("Generated %d prekeys.\n", cmd.Generate)
	}

	bundle, err := m.Bundle()
	if err != nil {
		return err
	}
	fmt.Printf("Signed prekey id: %d\n", bundle.SignedPreKeyID)
	if bundle.PreKeyID != 0 {
		fmt.Printf("Next one-time prekey id: %d\n", bundle.PreKeyID)
	} else {
		fmt.Println("One-time prekey pool is empty.")
	}
	return nil
}
