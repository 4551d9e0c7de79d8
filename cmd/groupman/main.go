// Command groupman はグループメンバーシップ管理サービスを起動する。
//
// 使い方:
//
//	groupman [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/groupman/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "groupman: %v\n", err)
		os.Exit(1)
	}
}
