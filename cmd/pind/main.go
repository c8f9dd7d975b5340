// pind は選択した地点をKMLとしてGoogle Driveへ書き出すローカルサービス。
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/pind/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("pind exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
