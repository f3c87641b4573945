// Command matchauth はマッチングアプリの認証APIサーバーとワーカーを起動する。
//
// 使い方:
//
//	matchauth [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/matchauth/internal/app"
	"github.com/joho/godotenv"
)

func main() {
	// ローカル開発用。.envが無い環境（本番）では何もしない
	_ = godotenv.Load()

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
