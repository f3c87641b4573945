package app

// Command はmatchauthの起動モードを表す。
type Command string

const (
	// CommandServe は認証APIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れリフレッシュトークンとロック情報の掃除を定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマのマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を叩いて終了コードで結果を返す。
	// 設定の読み込みを必要としない。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[Command]string{
	CommandServe:       "認証APIサーバー",
	CommandWorker:      "クリーンアップワーカー",
	CommandMigrate:     "スキーママイグレーション",
	CommandHealthcheck: "ヘルスチェック",
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	cmd := Command(args[0])
	if _, ok := commands[cmd]; !ok {
		return CommandServe
	}
	return cmd
}

// Description は起動ログに出すモード名を返す。
func (c Command) Description() string {
	if d, ok := commands[c]; ok {
		return d
	}
	return string(c)
}

// RequiresConfig は環境変数からの設定読み込みが必要かを返す。
func (c Command) RequiresConfig() bool {
	return c != CommandHealthcheck
}
