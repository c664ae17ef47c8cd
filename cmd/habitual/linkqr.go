package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// qrSize is the PNG edge length in pixels.
const qrSize = 256

// runLinkQR handles "habitual link-qr [-out file.png]". It encodes
// gateway.chat_url, the address where users open a chat with the bot
// and send their email to link it. Without -out the code is drawn on
// the terminal.
func runLinkQR(w io.Writer, opts options, args []string) error {
	var outPath string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-out" && i+1 < len(args):
			outPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-out="):
			outPath = strings.TrimPrefix(args[i], "-out=")
		default:
			return fmt.Errorf("usage: habitual link-qr [-out file.png]")
		}
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.Gateway.ChatURL == "" {
		return errors.New("gateway.chat_url is not configured")
	}

	return writeLinkQR(w, cfg.Gateway.ChatURL, outPath)
}

// writeLinkQR renders chatURL as a QR code, to outPath as PNG when set
// and to w as text otherwise.
func writeLinkQR(w io.Writer, chatURL, outPath string) error {
	if outPath != "" {
		if err := qrcode.WriteFile(chatURL, qrcode.Medium, qrSize, outPath); err != nil {
			return fmt.Errorf("write QR code %s: %w", outPath, err)
		}
		fmt.Fprintf(w, "QR code for %s written to %s\n", chatURL, outPath)
		return nil
	}

	q, err := qrcode.New(chatURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR code: %w", err)
	}
	fmt.Fprint(w, q.ToSmallString(false))
	fmt.Fprintf(w, "Scan to open %s, then send the email you registered with.\n", chatURL)
	return nil
}
