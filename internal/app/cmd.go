package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーとバックグラウンドジョブを起動する。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを操作する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中サーバーの/healthを確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// MigrateAction はmigrateサブコマンドの操作。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe, CommandMigrate, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}

// ParseMigrateAction はmigrateに続く引数から操作を解析する。
// 省略時はMigrateUp。未知の操作はokがfalseになる。
func ParseMigrateAction(args []string) (action MigrateAction, ok bool) {
	if len(args) < 2 {
		return MigrateUp, true
	}
	switch a := MigrateAction(args[1]); a {
	case MigrateUp, MigrateDown, MigrateVersion:
		return a, true
	default:
		return "", false
	}
}
