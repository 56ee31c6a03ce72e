package main

import (
	"fmt"
	"os"

	qrterminal "github.com/mdp/qrterminal/v3"
)

type fingerprintCommand struct {
	QR bool `long:"qr" description:"Render the fingerprint as a terminal QR code"`
}

func (cmd *fingerprintCommand) Execute(args []string) error {
	m := openManager()
	defer m.Close()

	fp, err := m.OwnFingerprint()
	if err != nil {
		return err
	}

	fmt.Printf("%s (device %d)\n", opts.Account, m.OwnDevice())
	fmt.Println(fp)

	if cmd.QR {
		fmt.Println()
		qrterminal.GenerateWithConfig(fp, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
		})
	}
	return nil
}
