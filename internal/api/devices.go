package api

import (
	"path/filepath"
	"sort"

	"go.bug.st/serial"
)

// enumerateSerialPorts lists every serial device the ch9329 HID backend or
// a relay-board ATX driver could bind to.
func enumerateSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}

// enumerateAudioDevices globs /dev/snd for capture-capable ALSA nodes. No
// example repo in the corpus wires an ALSA control library (the teacher
// only ever streams audio it has already been handed, never enumerates
// host sound cards), so this stays on the standard library rather than
// inventing a dependency the rest of the tree never otherwise needs.
func enumerateAudioDevices() ([]string, error) {
	matches, err := filepath.Glob("/dev/snd/pcmC*D*c")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
