package commands

import (
	"os"

	"golang.org/x/sys/unix"
)

// ICommand defines the interface for a shrinkpi command
type ICommand interface {
	Name() string
	Init(args []string) error
	Run() error
}

// UI provides common UI styles and icons for commands
type UI struct {
	// UI Styles
	cReset, cRed, cGreen, cYellow, cBold string

	// UI Icons
	iconCheck, iconGear, iconError, iconWarn string
}

// StartUI initializes the UI component with environment detection
func (ui *UI) StartUI() {
	useColor := false
	useEmoji := false

	// Check if stdout is a terminal
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	isTerm := err == nil

	if isTerm {
		termEnv := os.Getenv("TERM")
		if termEnv != "dumb" {
			useColor = true
		}
		// Linux console has limited font support
		if termEnv != "linux" {
			useEmoji = true
		}
	}

	if useColor {
		ui.cReset = "\033[0m"
		ui.cRed = "\033[31m"
		ui.cGreen = "\033[32m"
		ui.cYellow = "\033[33m"
		ui.cBold = "\033[1m"
	}

	if useEmoji {
		ui.iconCheck = "✔ "
		ui.iconGear = "⚙ "
		ui.iconError = "✖ "
		ui.iconWarn = "⚠ "
	} else {
		ui.iconCheck = "[OK] "
		ui.iconGear = "[*] "
		ui.iconError = "[X] "
		ui.iconWarn = "[!] "
	}
}

var getEuid = os.Geteuid
