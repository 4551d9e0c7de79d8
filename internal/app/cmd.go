package app

import (
	"fmt"
	"slices"
)

// Command はサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck" // distrolessイメージのHEALTHCHECK用
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数がなければserveとし、未知のサブコマンドはエラーにする。
// 2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd := Command(args[0])
	if !slices.Contains(commands, cmd) {
		return "", fmt.Errorf("unknown command %q (want one of %v)", args[0], commands)
	}
	return cmd, nil
}
