package testutil

import (
	"strconv"
	"time"
)

// Command records a command request for verification
type Command struct {
	Timestamp time.Time
	Cmd       string
	Params    map[string]string
}

// FilterCommands filters commands by type
func FilterCommands(commands []Command, cmd string) []Command {
	var filtered []Command
	for _, c := range commands {
		if c.Cmd == cmd {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// Volumes returns the values of every volume command, in order
func Volumes(commands []Command) []int {
	var volumes []int
	for _, c := range FilterCommands(commands, "volume") {
		if v, err := strconv.Atoi(c.Params["volume"]); err == nil {
			volumes = append(volumes, v)
		}
	}
	return volumes
}

// Sequence returns the command types in order
func Sequence(commands []Command) []string {
	seq := make([]string, 0, len(commands))
	for _, c := range commands {
		seq = append(seq, c.Cmd)
	}
	return seq
}
