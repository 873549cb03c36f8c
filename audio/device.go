package audio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

var (
	ErrNoSuchDevice       = errors.New("no such input device")
	ErrNoDevices          = errors.New("no capture devices found")
	ErrSelectionCancelled = errors.New("device selection cancelled")
)

// IndexedDevice is an input device together with its position in the
// enumeration, the handle callers use to pick a microphone.
type IndexedDevice struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	ID    string `json:"-"`
}

func ListInputDevices(ctx Context) ([]IndexedDevice, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	out := make([]IndexedDevice, len(devices))
	for i, d := range devices {
		out[i] = IndexedDevice{Index: i, Name: d.Name, ID: d.ID}
	}
	return out, nil
}

// DeviceByIndex resolves an enumeration index to a device.
func DeviceByIndex(ctx Context, index int) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("%w: index %d (have %d)", ErrNoSuchDevice, index, len(devices))
	}
	return &devices[index], nil
}

// DeviceByName returns the first device whose name matches exactly.
func DeviceByName(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchDevice, name)
}

// SelectDevice presents an interactive device picker and returns the index
// of the chosen device. If only one device is available, it is returned
// without prompting.
func SelectDevice(ctx Context) (int, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return -1, fmt.Errorf("enumerating devices: %w", err)
	}

	if len(devices) == 0 {
		return -1, ErrNoDevices
	}

	if len(devices) == 1 {
		return 0, nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return -1, fmt.Errorf("setting raw mode: %w", err)
	}

	defer term.Restore(fd, oldState)

	cursor := 0
	renderList := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select input device (↑/↓, Enter to confirm):\r\n\r\n")
		for i, d := range devices {
			btTag := ""
			if IsBluetooth(d.Name) {
				btTag = " \x1b[33m[⚠ Lower audio quality]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ [%d] %s%s\x1b[0m\r\n", i, d.Name, btTag)
			} else {
				fmt.Printf("    [%d] %s%s\r\n", i, d.Name, btTag)
			}
		}
	}

	renderList()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return -1, fmt.Errorf("reading input: %w", err)
		}

		if n == 1 {
			switch buf[0] {
			case 13: // Enter
				fmt.Print("\r\n")
				return cursor, nil
			case 3, 'q': // Ctrl+C
				fmt.Print("\r\n")
				return -1, ErrSelectionCancelled
			case 'j':
				if cursor < len(devices)-1 {
					cursor++
				}
			case 'k':
				if cursor > 0 {
					cursor--
				}
			}
		} else if n == 3 && buf[0] == 0x1b && buf[1] == '[' {
			switch buf[2] {
			case 'A': // Up arrow
				if cursor > 0 {
					cursor--
				}
			case 'B': // Down arrow
				if cursor < len(devices)-1 {
					cursor++
				}
			}
		}

		lines := len(devices) + 2
		fmt.Printf("\x1b[%dA", lines)
		renderList()
	}
}
